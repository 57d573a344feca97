package types

// PublishResult is a relay's answer to an EVENT message (NIP-01 OK)
type PublishResult struct {
	Relay    string
	EventID  string
	Accepted bool
	Message  string
}
