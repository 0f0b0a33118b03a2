// Package config loads the machine-wide config.toml and the per-profile
// outpost.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is ~/.outpost/config.toml. It only selects a profile; everything
// a daemon needs lives in that profile's Settings.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Load reads the global config. A missing file is a zero Config.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := rejectUndecoded(md, "load config"); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaultProfile records the profile used when no --profile is given.
func SetDefaultProfile(path, profile string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	cfg.DefaultProfile = profile
	return Save(path, cfg)
}

// Save encodes v as TOML and renames it over path, so a reader sees either
// the old file or the new one. The file is private to the user.
func Save(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := toml.NewEncoder(tmp).Encode(v); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func rejectUndecoded(md toml.MetaData, op string) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}
	return fmt.Errorf("%s: unknown keys %s", op, strings.Join(keys, ", "))
}
