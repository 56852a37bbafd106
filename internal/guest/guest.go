// Package guest is the guest-side view of the bridge: it finds the hpc
// channel the host attached and decodes the argument the host passed in.
package guest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jkaninda/hpcbridge/internal/hpc"
)

const (
	EnvTransport = "HPC_TRANSPORT"
	EnvChannel   = "HPC_CHANNEL"

	TransportPipe   = "pipe"
	TransportSocket = "socket"
	TransportFile   = "file"
)

// ErrNoArg is returned when the named argument variable is unset.
var ErrNoArg = errors.New("guest argument not set")

// TransportFromEnv builds the transport described by HPC_TRANSPORT and
// HPC_CHANNEL.
func TransportFromEnv() (hpc.Transport, error) {
	return NewTransport(os.Getenv(EnvTransport), os.Getenv(EnvChannel))
}

// NewTransport builds a transport of the given kind.
//
//   - pipe: channel is "<request fd>,<response fd>", default "3,4"
//   - socket: channel is the unix socket path
//   - file: channel is a file the host services between the guest's write
//     and read (a supervisor pausing the guest); reading back the request
//     unchanged is an ErrIO
func NewTransport(kind, channel string) (hpc.Transport, error) {
	switch kind {
	case TransportPipe:
		reqFD, respFD, err := parseFDs(channel)
		if err != nil {
			return nil, err
		}
		w := os.NewFile(uintptr(reqFD), "hpc-request")
		r := os.NewFile(uintptr(respFD), "hpc-response")
		if w == nil || r == nil {
			return nil, fmt.Errorf("invalid hpc pipe descriptors %d,%d", reqFD, respFD)
		}
		return hpc.NewStreamTransport(r, w), nil
	case TransportSocket:
		if channel == "" {
			return nil, fmt.Errorf("%s is required for the socket transport", EnvChannel)
		}
		return hpc.NewSocketTransport(channel), nil
	case TransportFile:
		if channel == "" {
			return nil, fmt.Errorf("%s is required for the file transport", EnvChannel)
		}
		return hpc.NewFileTransport(channel, nil), nil
	case "":
		return nil, fmt.Errorf("%s is not set; run this command under `hpcbridge run`", EnvTransport)
	default:
		return nil, fmt.Errorf("unsupported %s %q (use pipe, socket, or file)", EnvTransport, kind)
	}
}

func parseFDs(channel string) (int, int, error) {
	if channel == "" {
		return 3, 4, nil
	}
	a, b, ok := strings.Cut(channel, ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid pipe channel %q (want \"<req fd>,<resp fd>\")", channel)
	}
	reqFD, err := strconv.Atoi(strings.TrimSpace(a))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid request fd %q: %w", a, err)
	}
	respFD, err := strconv.Atoi(strings.TrimSpace(b))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid response fd %q: %w", b, err)
	}
	if reqFD < 3 || respFD < 3 || reqFD == respFD {
		return 0, 0, fmt.Errorf("invalid pipe channel %q", channel)
	}
	return reqFD, respFD, nil
}

// Arg decodes the JSON-encoded environment variable name into v.
func Arg(name string, v any) error {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return fmt.Errorf("%w: %s", ErrNoArg, name)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding guest argument %s: %w", name, err)
	}
	return nil
}

// Settings is the argument the host hands to LLM guests.
type Settings struct {
	APIKey          string   `json:"api_key,omitempty"`
	Model           string   `json:"model,omitempty"`
	FallbackModels  []string `json:"fallback_models,omitempty"`
	BaseURL         string   `json:"base_url,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	Rolls           int      `json:"rolls,omitempty"`
}

// UnmarshalJSON also accepts a bare JSON string, taken as the API key.
func (s *Settings) UnmarshalJSON(data []byte) error {
	var key string
	if err := json.Unmarshal(data, &key); err == nil {
		*s = Settings{APIKey: key}
		return nil
	}
	type plain Settings
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Settings(p)
	return nil
}
