package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Addr            string `json:"addr"`
	DataDir         string `json:"data_dir"`
	LogLevel        string `json:"log_level"`
	MaxConcurrent   int    `json:"max_concurrent"`
	RefreshSchedule string `json:"refresh_schedule"`
	RateLimit       struct {
		RPS   float64 `json:"rps"`
		Burst int     `json:"burst"`
	} `json:"rate_limit"`
	Contract struct {
		URL        string `json:"url"`
		TTLMinutes int    `json:"ttl_minutes"`
	} `json:"contract"`
	Renderer struct {
		RegistryURL string `json:"registry_url"`
		BundleURL   string `json:"bundle_url"`
	} `json:"renderer"`
	LLM struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`
}

// MirrorPath is the well-known disk mirror of the contract document.
func (c *Config) MirrorPath() string {
	return filepath.Join(c.DataDir, "contract.txt")
}

// BundleDir holds downloaded renderer bundle artifacts.
func (c *Config) BundleDir() string {
	return filepath.Join(c.DataDir, "bundles")
}

// ProjectsPath is the project manifest file.
func (c *Config) ProjectsPath() string {
	return filepath.Join(c.DataDir, "projects.json")
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		Addr:            ":8086",
		DataDir:         filepath.Join(os.Getenv("HOME"), ".schemaforge"),
		LogLevel:        "info",
		MaxConcurrent:   4,
		RefreshSchedule: "@every 5m",
	}
	cfg.RateLimit.RPS = 5
	cfg.RateLimit.Burst = 10
	cfg.Contract.URL = "https://schemaforge.dev/contract/components.md"
	cfg.Contract.TTLMinutes = 5
	cfg.Renderer.RegistryURL = "https://registry.npmjs.org/@schemaforge/renderer/latest"
	cfg.Renderer.BundleURL = "https://unpkg.com/@schemaforge/renderer"
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 4000
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if addr := os.Getenv("SCHEMAFORGE_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

// ListValues returns the config as a flat dot-keyed map, masking secrets
// when mask is true.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var nested map[string]any
	if err := json.Unmarshal(data, &nested); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	flat := Flatten(nested)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads a single dot-keyed value from the config file.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	values, err := ListValues(cfg, true)
	if err != nil {
		return nil, err
	}
	val, ok := values[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return val, nil
}

// SetValue writes a single dot-keyed value into the config file,
// preserving all other values.
func SetValue(path, key, value string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var nested map[string]any
	if err := json.Unmarshal(data, &nested); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	flat := Flatten(nested)
	if _, ok := flat[key]; !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	flat[key] = coerce(value)

	merged, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal updated config: %w", err)
	}
	merged = append(merged, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, merged, 0644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp config: %w", err)
	}
	return nil
}

// coerce parses value as JSON when possible so numbers and booleans keep
// their types, falling back to a plain string.
func coerce(value string) any {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err == nil {
		switch v.(type) {
		case float64, bool:
			return v
		}
	}
	return value
}
