package guest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/hpcbridge/internal/hpc"
)

func TestNewTransport(t *testing.T) {
	tests := []struct {
		kind, channel string
		wantType      string
		wantErr       string
	}{
		{"socket", "/tmp/hpc.sock", "*hpc.SocketTransport", ""},
		{"file", "/tmp/hpc", "*hpc.FileTransport", ""},
		{"socket", "", "", "HPC_CHANNEL"},
		{"file", "", "", "HPC_CHANNEL"},
		{"", "", "", "not set"},
		{"carrier-pigeon", "", "", "unsupported"},
		{"pipe", "3", "", "invalid pipe channel"},
		{"pipe", "x,4", "", "invalid request fd"},
		{"pipe", "3,3", "", "invalid pipe channel"},
		{"pipe", "1,2", "", "invalid pipe channel"},
	}
	for _, tt := range tests {
		tr, err := NewTransport(tt.kind, tt.channel)
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewTransport(%q, %q) err = %v, want %q", tt.kind, tt.channel, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewTransport(%q, %q): %v", tt.kind, tt.channel, err)
			continue
		}
		switch tr.(type) {
		case *hpc.SocketTransport, *hpc.FileTransport:
		default:
			t.Errorf("NewTransport(%q) gave %T, want %s", tt.kind, tr, tt.wantType)
		}
	}
}

func TestNewTransport_FileWithoutHost(t *testing.T) {
	tr, err := NewTransport("file", filepath.Join(t.TempDir(), "hpc"))
	if err != nil {
		t.Fatal(err)
	}
	req, err := hpc.NewRequest("clock", map[string]string{"tz": "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = hpc.NewClient(tr, nil).Call(context.Background(), req)
	if !errors.Is(err, hpc.ErrIO) {
		t.Fatalf("expected ErrIO when nothing services the file, got %v", err)
	}
}

func TestTransportFromEnv(t *testing.T) {
	t.Setenv(EnvTransport, "socket")
	t.Setenv(EnvChannel, "/run/hpc.sock")
	tr, err := TransportFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	st, ok := tr.(*hpc.SocketTransport)
	if !ok || st.Path != "/run/hpc.sock" {
		t.Errorf("got %#v", tr)
	}
}

func TestParseFDs_Default(t *testing.T) {
	req, resp, err := parseFDs("")
	if err != nil || req != 3 || resp != 4 {
		t.Errorf("parseFDs(\"\") = %d, %d, %v", req, resp, err)
	}
	req, resp, err = parseFDs(" 5 , 6 ")
	if err != nil || req != 5 || resp != 6 {
		t.Errorf("parseFDs(5,6) = %d, %d, %v", req, resp, err)
	}
}

func TestArg(t *testing.T) {
	t.Setenv("HPC_TEST_ARG", `{"api_key":"sk-1","model":"gpt-4o","fallback_models":["gpt-4"],"rolls":5}`)
	var s Settings
	if err := Arg("HPC_TEST_ARG", &s); err != nil {
		t.Fatal(err)
	}
	if s.APIKey != "sk-1" || s.Model != "gpt-4o" || s.Rolls != 5 {
		t.Errorf("got %+v", s)
	}
	if len(s.FallbackModels) != 1 || s.FallbackModels[0] != "gpt-4" {
		t.Errorf("fallback models = %v", s.FallbackModels)
	}

	t.Setenv("HPC_TEST_ARG", `"sk-bare"`)
	s = Settings{}
	if err := Arg("HPC_TEST_ARG", &s); err != nil {
		t.Fatal(err)
	}
	if s.APIKey != "sk-bare" || s.Model != "" {
		t.Errorf("bare string arg: got %+v", s)
	}

	t.Setenv("HPC_TEST_ARG", `{not json`)
	if err := Arg("HPC_TEST_ARG", &s); err == nil {
		t.Error("expected decode error")
	}

	if err := Arg("HPC_TEST_ARG_UNSET_X", &s); !errors.Is(err, ErrNoArg) {
		t.Errorf("expected ErrNoArg, got %v", err)
	}
}
