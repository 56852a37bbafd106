package hpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRequest_MarshalSingleKey(t *testing.T) {
	data, err := json.Marshal(NewRNGRequest())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"rng":{}}` {
		t.Errorf("got %s, want {\"rng\":{}}", data)
	}
}

func TestRequest_UnmarshalRejectsKeyCount(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty object", `{}`},
		{"two capabilities", `{"rng":{},"tlsp":{}}`},
		{"not an object", `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Request
			err := json.Unmarshal([]byte(tt.doc), &r)
			if !errors.Is(err, ErrSchema) {
				t.Fatalf("expected ErrSchema, got %v", err)
			}
		})
	}
}

func TestRequest_ZeroValueDoesNotMarshal(t *testing.T) {
	_, err := json.Marshal(Request{})
	if err == nil {
		t.Fatal("expected error marshaling a zero Request")
	}
}

func TestNewRequest_RejectsInvalidRawPayload(t *testing.T) {
	_, err := NewRequest("x", json.RawMessage(`{nope`))
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
}

func TestNewRequest_RejectsReservedName(t *testing.T) {
	for _, name := range []string{"", ResponseKey} {
		if _, err := NewRequest(name, nil); !errors.Is(err, ErrSchema) {
			t.Errorf("NewRequest(%q): expected ErrSchema, got %v", name, err)
		}
	}
}

func TestNewTLSPRequest_Defaults(t *testing.T) {
	req, err := NewTLSPRequest(TLSPRequest{URL: "https://example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var p TLSPRequest
	if err := json.Unmarshal(req.Payload(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Method != "GET" {
		t.Errorf("method = %q, want GET", p.Method)
	}
	if p.Headers == nil {
		t.Error("headers should default to an empty map")
	}

	if _, err := NewTLSPRequest(TLSPRequest{}); !errors.Is(err, ErrSchema) {
		t.Errorf("missing url: expected ErrSchema, got %v", err)
	}
}

func TestResponse_DecodeRNG(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		want    int
		wantErr bool
	}{
		{"single byte", `{"bytes":[130]}`, 130, false},
		{"several bytes", `{"bytes":[7,8,9]}`, 7, false},
		{"missing bytes", `{}`, 0, true},
		{"empty bytes", `{"bytes":[]}`, 0, true},
		{"out of range", `{"bytes":[256]}`, 0, true},
		{"wrong type", `{"bytes":"ff"}`, 0, true},
		{"host error", `{"error":"rate limit exceeded"}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Response(tt.doc).DecodeRNG()
			if tt.wantErr {
				if !errors.Is(err, ErrSchema) {
					t.Fatalf("expected ErrSchema, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Bytes[0] != tt.want {
				t.Errorf("bytes[0] = %d, want %d", got.Bytes[0], tt.want)
			}
		})
	}
}

func TestResponse_DecodeTLSP(t *testing.T) {
	got, err := Response(`{"status":200,"body":"{\"ok\":true}"}`).DecodeTLSP()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != 200 || got.Body == nil || *got.Body != `{"ok":true}` {
		t.Errorf("unexpected decode: %+v", got)
	}

	for _, doc := range []string{`{"status":200}`, `{"body":{"ok":true}}`, `{"error":"domain not allowed"}`} {
		if _, err := Response(doc).DecodeTLSP(); !errors.Is(err, ErrSchema) {
			t.Errorf("%s: expected ErrSchema, got %v", doc, err)
		}
	}
}

func TestError_UnwrapsKindAndCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := ioErr("send", cause)
	if !errors.Is(err, ErrIO) {
		t.Error("expected errors.Is(err, ErrIO)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is(err, cause)")
	}
	if errors.Is(err, ErrProtocol) {
		t.Error("ErrIO must not match ErrProtocol")
	}
	var he *Error
	if !errors.As(err, &he) || he.Op != "send" {
		t.Errorf("expected *Error with op send, got %#v", he)
	}
}
