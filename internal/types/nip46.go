package types

import "encoding/json"

// NIP46Request is a JSON-RPC request to the remote signer
type NIP46Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// NIP46Response is a JSON-RPC response from the remote signer.
// Result is kept raw because signers disagree on its type for connect acks
// (string secret, "ack", or boolean true).
type NIP46Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ResultString returns the result as a string. JSON strings are unquoted,
// any other JSON value is returned verbatim (e.g. `true`).
func (r *NIP46Response) ResultString() string {
	if len(r.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s
	}
	return string(r.Result)
}
