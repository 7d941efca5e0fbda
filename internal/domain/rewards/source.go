package rewards

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

//go:embed default_rewards.yaml
var defaultDocument []byte

// Source supplies the current rewards document.
type Source interface {
	Load(ctx context.Context) (*Config, error)
}

// FileSource reads a YAML document from disk on every Load.
type FileSource struct {
	path string
}

// NewFileSource creates a Source backed by the YAML file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Load reads and decodes the file.
func (s *FileSource) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return decode(file.Provider(s.path))
}

// DefaultSource serves the document compiled into the binary.
func DefaultSource() Source {
	return StaticBytes(defaultDocument)
}

// StaticBytes serves a fixed YAML document.
type StaticBytes []byte

// Load decodes the document.
func (b StaticBytes) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return decode(bytesProvider(b))
}

// StaticConfig serves an already decoded document. Mostly for tests.
type StaticConfig struct {
	Config *Config
	Err    error
}

// Load returns the fixed document or error.
func (s *StaticConfig) Load(context.Context) (*Config, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Config, nil
}

func decode(p koanf.Provider) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(p, yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	return &cfg, nil
}

// bytesProvider feeds an in-memory document to koanf.
type bytesProvider []byte

func (b bytesProvider) ReadBytes() ([]byte, error) { return b, nil }

func (b bytesProvider) Read() (map[string]any, error) {
	return nil, errors.New("bytesProvider does not support Read")
}
