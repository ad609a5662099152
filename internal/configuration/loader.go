package configuration

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const baseName = "application"

// Load reads <dir>/application.yml over the defaults, then the overlay
// application-<profile>.yml when a profile is selected. The profile may come
// from the base file or from the profile argument, the argument wins.
func Load(dir, profile string) (*Properties, error) {
	if err := LoadDotEnv(dir); err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := loadInto(dir, baseName, &cfg); err != nil {
		slog.Error("error loading base config", "error", err)
		return nil, err
	}

	if profile != "" {
		cfg.App.Profile = profile
	}
	if cfg.App.Profile != "" {
		if err := loadInto(dir, baseName+"-"+cfg.App.Profile, &cfg); err != nil {
			slog.Error("error loading profile config", "profile", cfg.App.Profile, "error", err)
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadInto(dir, name string, cfg *Properties) error {
	expanded, err := LoadAndExpandYaml(dir, name)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse %s.yml: %w", name, err)
	}
	return nil
}

func LoadAndExpandYaml(baseDir, filename string) (string, error) {
	file := filepath.Join(baseDir, filename+".yml")
	raw, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrConfigNotFound, file)
	}
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	return ExpandEnvStrict(string(raw))
}
