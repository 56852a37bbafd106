package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const maxSecretFileBytes = 64 << 10

// FileProvider resolves "file:///path" references, e.g. Docker or Kubernetes
// mounted secrets. Trailing newlines are trimmed.
type FileProvider struct{}

// NewFileProvider creates a file-based secret provider.
func NewFileProvider() *FileProvider { return &FileProvider{} }

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	path, err := trimScheme(ref, "file")
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: file %q does not exist", ErrSecretNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	if info.Size() > maxSecretFileBytes {
		return nil, fmt.Errorf("secret file %q is larger than %d bytes", path, maxSecretFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return nil, fmt.Errorf("%w: file %q is empty", ErrSecretNotFound, path)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "file", "path": path},
	}, nil
}
