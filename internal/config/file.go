package config

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileProvider reads a YAML document on every Load, so edits apply to the next request.
type FileProvider struct {
	Path string
}

var _ Provider = (*FileProvider)(nil)

func (f *FileProvider) Load(_ context.Context) (FaucetConfig, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return FaucetConfig{}, fmt.Errorf("failed to read config %q: %w", f.Path, err)
	}
	var out FaucetConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		return FaucetConfig{}, fmt.Errorf("failed to decode config %q: %w", f.Path, err)
	}
	return out.WithDefaults(), nil
}
