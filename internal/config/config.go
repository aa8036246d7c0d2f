// Package config holds the daemon's startup configuration: the child
// interpreter's default path/args and the server's bind address. Values can
// be overridden by an optional YAML file; anything the file omits keeps its
// Default() value.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the complete daemon configuration.
type Config struct {
	// ListenAddr is the address the wire server binds. "127.0.0.1:0" (the
	// default) asks the OS for an ephemeral port.
	ListenAddr string `yaml:"listen_addr"`

	// SertopPath is the default child interpreter binary, used when a
	// create request's content is empty or omits "path".
	SertopPath string `yaml:"sertop_path"`

	// SertopArgs are the default arguments passed to SertopPath.
	SertopArgs []string `yaml:"sertop_args"`
}

// Default returns the built-in configuration: the platform's default
// sertop install location and its standard --implicit flag.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:0",
		SertopPath: defaultSertopPath,
		SertopArgs: []string{"--implicit"},
	}
}

// LoadFile reads a YAML file at path and overlays it onto Default(). A
// missing file is not an error: it simply means every default stands.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}
