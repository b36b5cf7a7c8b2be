package config

import (
	"fmt"
	"log/slog"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoaderOptions configures config loading.
type LoaderOptions struct {
	// Path to the YAML config file.
	Path string

	// Watch reloads the config when the file changes.
	Watch bool

	// OnChange is invoked with the reloaded config.
	OnChange func(*Config) error
}

// Loader loads and optionally watches a config file.
type Loader struct {
	koanf   *koanf.Koanf
	options LoaderOptions
	parser  *yaml.YAML
}

// NewLoader creates a config loader.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return &Loader{
		koanf:   koanf.New("."),
		options: opts,
		parser:  yaml.Parser(),
	}, nil
}

// Load reads the config file, expands environment variables, applies
// defaults and validates.
func (l *Loader) Load() (*Config, error) {
	provider := file.Provider(l.options.Path)

	if err := l.koanf.Load(provider, l.parser); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", l.options.Path, err)
	}

	if err := l.expandEnv(); err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		l.watch(provider)
	}

	return cfg, nil
}

func (l *Loader) watch(provider *file.File) {
	err := provider.Watch(func(event interface{}, err error) {
		if err != nil {
			slog.Warn("Config watch error", "error", err)
			return
		}

		if err := l.koanf.Load(provider, l.parser); err != nil {
			slog.Warn("Failed to reload config", "error", err)
			return
		}
		if err := l.expandEnv(); err != nil {
			slog.Warn("Failed to expand env vars in reloaded config", "error", err)
			return
		}
		newCfg, err := l.unmarshal()
		if err != nil {
			slog.Warn("Reloaded config rejected", "error", err)
			return
		}

		if l.options.OnChange != nil {
			if err := l.options.OnChange(newCfg); err != nil {
				slog.Warn("Config change callback failed", "error", err)
			} else {
				slog.Info("Configuration reloaded", "path", l.options.Path)
			}
		}
	})
	if err != nil {
		slog.Warn("Config watcher could not start", "error", err)
	}
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (l *Loader) expandEnv() error {
	expanded, ok := ExpandEnvInData(l.koanf.Raw()).(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected type after env var expansion")
	}

	fresh := koanf.New(".")
	if err := fresh.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return fmt.Errorf("failed to load expanded config: %w", err)
	}
	l.koanf = fresh
	return nil
}

// LoadConfig is the one-shot convenience wrapper.
func LoadConfig(path string) (*Config, error) {
	loader, err := NewLoader(LoaderOptions{Path: path})
	if err != nil {
		return nil, err
	}
	return loader.Load()
}
