package connect

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// URIScheme is the NIP-46 client-initiated connection scheme
const URIScheme = "nostrconnect"

// URI is a nostrconnect:// connection request.
type URI struct {
	ClientPubKey string
	Relays       []string
	Secret       string
	Name         string
	Perms        []string
	// Callback is only emitted by DeepLink. A QR code is usually scanned by
	// a second device, which must not learn where to redirect this one.
	Callback string
}

// BuildURI assembles the connection request for a pending handshake
func BuildURI(clientPubKey string, relays []string, secret, name string, perms []string, callback string) *URI {
	return &URI{
		ClientPubKey: clientPubKey,
		Relays:       append([]string(nil), relays...),
		Secret:       secret,
		Name:         name,
		Perms:        append([]string(nil), perms...),
		Callback:     callback,
	}
}

func (u *URI) encode(withCallback bool) string {
	out := url.URL{
		Scheme: URIScheme,
		Host:   u.ClientPubKey,
	}
	q := url.Values{}
	for _, relay := range u.Relays {
		q.Add("relay", relay)
	}
	q.Set("secret", u.Secret)
	if u.Name != "" {
		q.Set("name", u.Name)
	}
	if len(u.Perms) > 0 {
		q.Set("perms", strings.Join(u.Perms, ","))
	}
	if withCallback && u.Callback != "" {
		q.Set("url", u.Callback)
	}
	out.RawQuery = q.Encode()
	return out.String()
}

// QRString is the payload for a scannable code; it never carries the callback
func (u *URI) QRString() string {
	return u.encode(false)
}

// DeepLink is the same-device link, including the callback when set
func (u *URI) DeepLink() string {
	return u.encode(true)
}

func (u *URI) String() string {
	return u.QRString()
}

// ParseURI parses a nostrconnect:// URI
func ParseURI(raw string) (*URI, error) {
	if !strings.HasPrefix(raw, URIScheme+"://") {
		return nil, errors.New("invalid connect URI: must start with nostrconnect://")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid connect URI: %v", err)
	}
	if len(parsed.Host) != 64 {
		return nil, errors.New("invalid client pubkey in connect URI")
	}

	q := parsed.Query()
	u := &URI{
		ClientPubKey: parsed.Host,
		Relays:       q["relay"],
		Secret:       q.Get("secret"),
		Name:         q.Get("name"),
		Callback:     q.Get("url"),
	}
	if perms := q.Get("perms"); perms != "" {
		u.Perms = strings.Split(perms, ",")
	}
	if len(u.Relays) == 0 {
		return nil, errors.New("connect URI must specify at least one relay")
	}
	return u, nil
}
