package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultServerURL = "http://localhost:8080"

// ctlConfig is the operator's local profile.
type ctlConfig struct {
	ServerURL    string `yaml:"server_url"`
	Identity     string `yaml:"identity"`
	Token        string `yaml:"token"`
	OutputFormat string `yaml:"output_format"`
}

// defaultConfigPath returns ~/.lorachat/ctl.yaml.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".lorachat", "ctl.yaml")
	}
	return filepath.Join(home, ".lorachat", "ctl.yaml")
}

// loadConfig reads the profile at path. A missing file yields the defaults.
// A token-bearing file readable by others draws a warning on warn.
func loadConfig(path string, warn io.Writer) (*ctlConfig, error) {
	cfg := &ctlConfig{
		ServerURL:    defaultServerURL,
		OutputFormat: "table",
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if perm := info.Mode().Perm(); cfg.Token != "" && perm&0o077 != 0 {
		fmt.Fprintf(warn, "warning: %s has permissions %04o, expected 0600; the token may be readable by other users\n", path, perm)
	}
	return cfg, nil
}
