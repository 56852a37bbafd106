// Package hpc implements the host procedure call bridge: a synchronous,
// one-request-one-response JSON exchange between a sandboxed guest and the
// trusted host that services its privileged operations.
package hpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Built-in capability names.
const (
	CapabilityRNG  = "rng"
	CapabilityTLSP = "tlsp"
)

// ResponseKey is the key receipts attach the response under. It is not a
// valid capability name.
const ResponseKey = "response"

// Request is a tagged variant naming exactly one capability. On the wire it is
// a JSON object with a single key whose value is the capability payload.
type Request struct {
	capability string
	payload    json.RawMessage
}

// NewRequest builds a request for an arbitrary capability. The payload is
// marshaled eagerly so that encoding errors surface here, not mid-call.
func NewRequest(capability string, payload any) (Request, error) {
	if capability == "" {
		return Request{}, SchemaError("new request", "capability name is empty")
	}
	if capability == ResponseKey {
		return Request{}, SchemaError("new request", "capability name %q is reserved", capability)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return Request{}, SchemaError("new request", "encoding %s payload: %v", capability, err)
	}
	return Request{capability: capability, payload: raw}, nil
}

// NewRNGRequest builds the `{"rng":{}}` request.
func NewRNGRequest() Request {
	return Request{capability: CapabilityRNG, payload: json.RawMessage(`{}`)}
}

// NewTLSPRequest builds a `tlsp` request from a typed payload.
func NewTLSPRequest(p TLSPRequest) (Request, error) {
	if p.URL == "" {
		return Request{}, SchemaError("new tlsp request", "url is required")
	}
	if p.Method == "" {
		p.Method = "GET"
	}
	if p.Headers == nil {
		p.Headers = map[string]string{}
	}
	return NewRequest(CapabilityTLSP, p)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("raw payload is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("raw payload is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// Capability returns the capability the request is addressed to.
func (r Request) Capability() string { return r.capability }

// Payload returns the raw capability payload.
func (r Request) Payload() json.RawMessage { return r.payload }

// IsZero reports whether the request was never initialized.
func (r Request) IsZero() bool { return r.capability == "" }

// MarshalJSON emits `{"<capability>": <payload>}`.
func (r Request) MarshalJSON() ([]byte, error) {
	if r.capability == "" {
		return nil, SchemaError("encode request", "request has no capability")
	}
	return json.Marshal(map[string]json.RawMessage{r.capability: r.payload})
}

// UnmarshalJSON accepts only objects with exactly one top-level key.
func (r *Request) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return SchemaError("decode request", "request is not a JSON object: %v", err)
	}
	if len(m) != 1 {
		return SchemaError("decode request", "request must name exactly one capability, got %d keys", len(m))
	}
	for k, v := range m {
		r.capability = k
		r.payload = v
	}
	return nil
}

// Response is the host's reply. Its shape is capability specific; the bridge
// only guarantees it is syntactically valid JSON.
type Response json.RawMessage

// MarshalJSON returns the raw document.
func (r Response) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores a copy of the raw document.
func (r *Response) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// Raw returns the response as a json.RawMessage.
func (r Response) Raw() json.RawMessage { return json.RawMessage(r) }

// HostError returns the router's error message when the response is a
// `{"error": "..."}` document, or "" otherwise.
func (r Response) HostError() string {
	if !bytes.HasPrefix(bytes.TrimSpace(r), []byte("{")) {
		return ""
	}
	var e struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(r, &e)
	return e.Error
}

// RNGRequest is the (empty) `rng` payload. N asks for more than one byte;
// zero means the host default of one.
type RNGRequest struct {
	N int `json:"n,omitempty"`
}

// RNGResponse is the `rng` capability output.
type RNGResponse struct {
	Bytes []int `json:"bytes"`
}

// DecodeRNG validates the response as an `rng` result: a non-empty list of
// integers in [0,255].
func (r Response) DecodeRNG() (RNGResponse, error) {
	var out RNGResponse
	if err := json.Unmarshal(r, &out); err != nil {
		return RNGResponse{}, SchemaError("decode rng", "%v", err)
	}
	if len(out.Bytes) == 0 {
		if msg := r.HostError(); msg != "" {
			return RNGResponse{}, SchemaError("decode rng", "host error: %s", msg)
		}
		return RNGResponse{}, SchemaError("decode rng", "response has no bytes")
	}
	for i, b := range out.Bytes {
		if b < 0 || b > 255 {
			return RNGResponse{}, SchemaError("decode rng", "bytes[%d]=%d out of range", i, b)
		}
	}
	return out, nil
}

// TLSPRequest is the `tlsp` capability input. Body must already be serialized.
type TLSPRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// TLSPResponse is the `tlsp` capability output. Only Body is guaranteed.
type TLSPResponse struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body"`
}

// DecodeTLSP validates the response as a `tlsp` result carrying a string body.
func (r Response) DecodeTLSP() (TLSPResponse, error) {
	var out TLSPResponse
	if err := json.Unmarshal(r, &out); err != nil {
		return TLSPResponse{}, SchemaError("decode tlsp", "%v", err)
	}
	if out.Body == nil {
		if msg := r.HostError(); msg != "" {
			return TLSPResponse{}, SchemaError("decode tlsp", "host error: %s", msg)
		}
		return TLSPResponse{}, SchemaError("decode tlsp", "response has no body field")
	}
	return out, nil
}
