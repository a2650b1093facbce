package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// SecretsConfig holds credentials loaded from secrets.yaml
type SecretsConfig struct {
	LLMAPIKey       string `yaml:"llm_api_key"`
	ObjectSecretKey string `yaml:"object_secret_key"`
}

// ProctorDir returns the path to ~/.proctor
func ProctorDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".proctor"), nil
}

// EnsureProctorDir creates ~/.proctor and subdirectories if they don't exist
func EnsureProctorDir() (string, error) {
	dir, err := ProctorDir()
	if err != nil {
		return "", err
	}

	for _, subdir := range []string{"", "logs", "history"} {
		path := filepath.Join(dir, subdir)
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", fmt.Errorf("create dir %s: %w", path, err)
		}
	}
	return dir, nil
}

// DefaultPath returns ~/.proctor/config.yaml
func DefaultPath() (string, error) {
	dir, err := ProctorDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads configuration from path. A missing file yields the defaults.
// Secrets from secrets.yaml next to the file are applied, then PROCTOR_*
// environment variables override everything.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	_, err := os.Stat(path)
	switch {
	case path != "" && err == nil:
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := loadSecrets(filepath.Dir(path), cfg); err != nil {
			return nil, fmt.Errorf("load secrets: %w", err)
		}
		// env wins over secrets
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("read env: %w", err)
		}
	case path == "" || errors.Is(err, os.ErrNotExist):
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("read env: %w", err)
		}
	default:
		return nil, fmt.Errorf("stat config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadSecrets loads credentials from secrets.yaml
func loadSecrets(dir string, cfg *Config) error {
	secretsPath := filepath.Join(dir, "secrets.yaml")

	if _, err := os.Stat(secretsPath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(secretsPath)
	if err != nil {
		return fmt.Errorf("read secrets: %w", err)
	}

	var secrets SecretsConfig
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return fmt.Errorf("parse secrets: %w", err)
	}

	if secrets.LLMAPIKey != "" {
		cfg.LLM.APIKey = secrets.LLMAPIKey
	}
	if secrets.ObjectSecretKey != "" {
		cfg.Objects.SecretKey = secrets.ObjectSecretKey
	}
	return nil
}

// Save writes the configuration to path. Secrets are never written.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// SaveSecrets writes secrets.yaml into dir with owner-only permissions.
func SaveSecrets(dir string, secrets SecretsConfig) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}

	data, err := yaml.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "secrets.yaml"), data, 0600); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}
	return nil
}
