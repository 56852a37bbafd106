package router

import (
	"encoding/json"
	"strings"

	"github.com/jkaninda/hpcbridge/internal/hpc"
)

const redacted = "[REDACTED]"

// sensitiveHeader reports whether a tlsp request header carries a credential.
func sensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "proxy-authorization", "cookie", "set-cookie":
		return true
	}
	return strings.HasSuffix(strings.ToLower(name), "-api-key")
}

// redactRequest returns raw with credential headers of a tlsp request
// replaced, for persistence in the audit trail. Other capabilities pass
// through unchanged. A tlsp payload whose headers cannot be read has them
// replaced wholesale.
func redactRequest(raw []byte) []byte {
	var req map[string]json.RawMessage
	if err := json.Unmarshal(raw, &req); err != nil {
		return raw
	}
	payload, ok := req[hpc.CapabilityTLSP]
	if !ok {
		return raw
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		req[hpc.CapabilityTLSP] = json.RawMessage(`"` + redacted + `"`)
		return marshalOr(req, raw)
	}
	headersRaw, ok := fields["headers"]
	if !ok {
		return raw
	}

	var headers map[string]json.RawMessage
	if err := json.Unmarshal(headersRaw, &headers); err != nil {
		fields["headers"] = json.RawMessage(`"` + redacted + `"`)
	} else {
		changed := false
		for name := range headers {
			if sensitiveHeader(name) {
				headers[name] = json.RawMessage(`"` + redacted + `"`)
				changed = true
			}
		}
		if !changed {
			return raw
		}
		b, err := json.Marshal(headers)
		if err != nil {
			return raw
		}
		fields["headers"] = b
	}

	b, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	req[hpc.CapabilityTLSP] = b
	return marshalOr(req, raw)
}

func marshalOr(v any, fallback []byte) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return b
}
