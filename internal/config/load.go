package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// FileName is the config file looked up in the user dir and the working dir.
const FileName = "tada.toml"

// Sources tells Load where to look. Empty file paths are skipped; a nil
// Environ means the process environment.
type Sources struct {
	UserFile    string
	ProjectFile string
	Environ     map[string]string
}

// DefaultSources are ~/.tada/config.toml and ./tada.toml.
func DefaultSources() Sources {
	var s Sources
	if home, err := os.UserHomeDir(); err == nil {
		s.UserFile = filepath.Join(home, ".tada", "config.toml")
	}
	if wd, err := os.Getwd(); err == nil {
		s.ProjectFile = filepath.Join(wd, FileName)
	}
	return s
}

// Load resolves the configuration and returns the arguments left after
// the global flags.
func Load(fs *flag.FlagSet, args []string) (*Config, []string, error) {
	return LoadFrom(DefaultSources(), fs, args)
}

// LoadFrom is Load with explicit sources:
// 1. Defaults
// 2. User config file
// 3. Project config file
// 4. Environment variables
// 5. CLI flags
func LoadFrom(src Sources, fs *flag.FlagSet, args []string) (*Config, []string, error) {
	cfg := Default()

	for _, path := range []string{src.UserFile, src.ProjectFile} {
		if err := loadConfigFile(cfg, path); err != nil {
			return nil, nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	opts := env.Options{}
	if src.Environ != nil {
		opts.Environment = src.Environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, nil, fmt.Errorf("parse env: %w", err)
	}

	rest, err := parseFlags(cfg, fs, args)
	if err != nil {
		return nil, nil, err
	}

	cfg.Dir = expandPath(cfg.Dir)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, rest, nil
}

func loadConfigFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// parseFlags binds the global flags. They stop at the first non-flag
// argument, which is the command.
func parseFlags(cfg *Config, fs *flag.FlagSet, args []string) ([]string, error) {
	if fs == nil {
		fs = flag.NewFlagSet("tada", flag.ContinueOnError)
	}
	fs.StringVar(&cfg.APIURL, "api", cfg.APIURL, "Todo API base URL")
	fs.StringVar(&cfg.AuthURL, "auth", cfg.AuthURL, "Authentication service base URL")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	fs.DurationVar(&cfg.StaleTime, "stale-time", cfg.StaleTime, "How long cached todos count as fresh")
	fs.UintVar(&cfg.Retries, "retries", cfg.Retries, "Retries for network and server errors")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text, json or logfmt")
	fs.StringVar(&cfg.Theme, "theme", cfg.Theme, "classic, neon or mono")
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "Directory for credentials")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}

func expandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
