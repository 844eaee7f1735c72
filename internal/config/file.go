package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the subset of Config that can live in a YAML file.
// Environment variables and flags always win over file values, so a file can
// be committed with deployment defaults while secrets stay in the
// environment.
type fileConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	LogFormat       string   `yaml:"log_format"`
	LogLevel        string   `yaml:"log_level"`
	Mode            string   `yaml:"mode"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`

	AuthMode   string `yaml:"auth_mode"`
	JWTSecret  string `yaml:"jwt_secret"`
	UserHeader string `yaml:"user_header"`

	DatabaseURL string `yaml:"database_url"`

	ICEServers []fileICEServer `yaml:"ice_servers"`

	TURNREST struct {
		SharedSecret   string `yaml:"shared_secret"`
		UsernamePrefix string `yaml:"username_prefix"`
	} `yaml:"turn_rest"`
}

type fileICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// loadFile reads a YAML config file, expanding ${VAR} references so files
// can point at environment-provided secrets without embedding them.
func loadFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var f fileConfig
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return fileConfig{}, fmt.Errorf("parse config yaml: %w", err)
	}
	return f, nil
}
