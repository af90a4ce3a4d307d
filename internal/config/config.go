package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider selects which LLM transport AIConfig talks through.
type Provider string

const (
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

type Config struct {
	AI     AIConfig     `yaml:"ai" validate:"required"`
	Paths  PathsConfig  `yaml:"paths" validate:"required"`
	Limits Limits       `yaml:"limits" validate:"required"`
}

// AIConfig describes the primary (cloud) LLM tier used for world-structure
// deltas and other high-stakes calls, and the local tier (ollama) used for
// the bulk of chapter extraction.
type AIConfig struct {
	Provider Provider `yaml:"provider" validate:"required,oneof=ollama openai anthropic"`
	APIKey   string   `yaml:"api_key"`
	Model    string   `yaml:"model" validate:"required"`
	BaseURL  string   `yaml:"base_url" validate:"required,url"`
	Timeout  int      `yaml:"timeout" validate:"required,min=5,max=3600"`

	LocalModel   string `yaml:"local_model"`
	LocalBaseURL string `yaml:"local_base_url"`
}

type PathsConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`
}

// Manager owns the live Config and serializes mutation of AI provider
// settings, since the orchestrator and any concurrent CLI commands may
// read it from separate goroutines.
type Manager struct {
	mu  sync.Mutex
	cfg *Config
	path string
}

var (
	singletonOnce sync.Once
	singleton     *Manager
)

// LoadManager loads (creating if necessary) the process-wide config
// singleton. Subsequent calls return the same instance.
func LoadManager() (*Manager, error) {
	var err error
	singletonOnce.Do(func() {
		var cfg *Config
		cfg, err = Load()
		if err != nil {
			return
		}
		singleton = &Manager{cfg: cfg, path: getConfigPath()}
	})
	if err != nil {
		return nil, err
	}
	return singleton, nil
}

// Snapshot returns a copy of the current config safe for read-only use.
func (m *Manager) Snapshot() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.cfg
}

// UpdateCloudConfig switches the cloud tier to the given provider/model/key
// and persists the change to disk.
func (m *Manager) UpdateCloudConfig(provider Provider, model, apiKey, baseURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if provider != ProviderOpenAI && provider != ProviderAnthropic {
		return fmt.Errorf("updating cloud config: provider %q is not a cloud provider", provider)
	}
	m.cfg.AI.Provider = provider
	m.cfg.AI.Model = model
	m.cfg.AI.APIKey = apiKey
	if baseURL != "" {
		m.cfg.AI.BaseURL = baseURL
	}
	return saveConfig(m.cfg, m.path)
}

// SwitchToOllama repoints the primary AI tier at a local ollama instance,
// clearing the cloud API key requirement entirely.
func (m *Manager) SwitchToOllama(model, baseURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg.AI.Provider = ProviderOllama
	m.cfg.AI.Model = model
	m.cfg.AI.APIKey = ""
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	m.cfg.AI.BaseURL = baseURL
	return saveConfig(m.cfg, m.path)
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	configPath := getConfigPath()

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		cfg, createErr := createConfigInteractively(configPath)
		if createErr != nil {
			return nil, fmt.Errorf("creating config: %w", createErr)
		}
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.AI.Provider != ProviderOllama && (cfg.AI.APIKey == "" || strings.HasPrefix(cfg.AI.APIKey, "${")) {
		envVar := "OPENAI_API_KEY"
		if cfg.AI.Provider == ProviderAnthropic {
			envVar = "ANTHROPIC_API_KEY"
		}
		if apiKey := os.Getenv(envVar); apiKey != "" {
			cfg.AI.APIKey = apiKey
		} else {
			apiKey, promptErr := promptForAPIKey()
			if promptErr != nil {
				return nil, fmt.Errorf("getting API key: %w", promptErr)
			}
			cfg.AI.APIKey = apiKey
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func getConfigPath() string {
	if path := os.Getenv("NOVELKG_CONFIG"); path != "" {
		return path
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "novelkg", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "novelkg", "config.yaml")
}

// expandTilde expands a tilde (~) at the beginning of a path to the user's home directory
func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func (c *Config) validate() error {
	if c.Paths.DataDir == "" {
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			c.Paths.DataDir = filepath.Join(xdgData, "novelkg")
		} else {
			home, _ := os.UserHomeDir()
			c.Paths.DataDir = filepath.Join(home, ".local", "share", "novelkg")
		}
	} else {
		c.Paths.DataDir = expandTilde(c.Paths.DataDir)
	}

	if c.AI.LocalModel == "" {
		c.AI.LocalModel = "qwen2.5:14b"
	}
	if c.AI.LocalBaseURL == "" {
		c.AI.LocalBaseURL = "http://localhost:11434"
	}

	if c.Limits.MaxConcurrentChapters == 0 {
		c.Limits = DefaultLimits()
	}

	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// createConfigInteractively creates a new config file with user input
func createConfigInteractively(configPath string) (*Config, error) {
	fmt.Printf("Welcome to novelkg! Let's set up your configuration.\n\n")

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	fmt.Printf("Which LLM tier would you like as the primary (cloud) provider?\n")
	fmt.Printf("1. OpenAI-compatible\n")
	fmt.Printf("2. Anthropic\n")
	fmt.Printf("3. Local only (ollama, no cloud key needed)\n")
	fmt.Printf("Enter choice (1, 2 or 3): ")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	choice := strings.TrimSpace(scanner.Text())

	var cfg Config
	switch choice {
	case "2":
		cfg = createAnthropicConfig()
	case "3":
		cfg = createOllamaOnlyConfig()
	default:
		cfg = createOpenAIConfig()
	}

	if cfg.AI.Provider != ProviderOllama {
		apiKey, err := promptForAPIKey()
		if err != nil {
			return nil, err
		}
		cfg.AI.APIKey = apiKey
	}

	cfg.setupDefaultPaths()

	if err := os.MkdirAll(cfg.Paths.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	if err := saveConfig(&cfg, configPath); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nConfiguration saved to: %s\n\n", configPath)

	return &cfg, nil
}

func createOpenAIConfig() Config {
	return Config{
		AI: AIConfig{
			Provider:     ProviderOpenAI,
			Model:        "gpt-4.1",
			BaseURL:      "https://api.openai.com/v1",
			Timeout:      120,
			LocalModel:   "qwen2.5:14b",
			LocalBaseURL: "http://localhost:11434",
		},
		Limits: DefaultLimits(),
	}
}

func createAnthropicConfig() Config {
	return Config{
		AI: AIConfig{
			Provider:     ProviderAnthropic,
			Model:        "claude-3-5-sonnet-20241022",
			BaseURL:      "https://api.anthropic.com",
			Timeout:      120,
			LocalModel:   "qwen2.5:14b",
			LocalBaseURL: "http://localhost:11434",
		},
		Limits: DefaultLimits(),
	}
}

func createOllamaOnlyConfig() Config {
	return Config{
		AI: AIConfig{
			Provider:     ProviderOllama,
			Model:        "qwen2.5:14b",
			BaseURL:      "http://localhost:11434",
			Timeout:      120,
			LocalModel:   "qwen2.5:14b",
			LocalBaseURL: "http://localhost:11434",
		},
		Limits: DefaultLimits(),
	}
}

func promptForAPIKey() (string, error) {
	fmt.Printf("\nPlease enter your API key: ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	apiKey := strings.TrimSpace(scanner.Text())

	if apiKey == "" {
		return "", fmt.Errorf("API key is required")
	}

	return apiKey, nil
}

func (c *Config) setupDefaultPaths() {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		c.Paths.DataDir = filepath.Join(xdgData, "novelkg")
	} else {
		home, _ := os.UserHomeDir()
		c.Paths.DataDir = filepath.Join(home, ".local", "share", "novelkg")
	}
}

func saveConfig(cfg *Config, configPath string) error {
	cfgToSave := *cfg
	if cfgToSave.AI.Provider != ProviderOllama {
		envVar := "OPENAI_API_KEY"
		if cfgToSave.AI.Provider == ProviderAnthropic {
			envVar = "ANTHROPIC_API_KEY"
		}
		cfgToSave.AI.APIKey = "${" + envVar + "}"
	}

	data, err := yaml.Marshal(&cfgToSave)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}
