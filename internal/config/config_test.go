package config

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid cloud config",
			config: Config{
				AI: AIConfig{
					Provider: ProviderAnthropic,
					APIKey:   "sk-1234567890abcdef1234567890abcdef",
					Model:    "claude-3-5-sonnet-20241022",
					BaseURL:  "https://api.anthropic.com/v1",
					Timeout:  30,
				},
				Paths: PathsConfig{DataDir: "data"},
				Limits: Limits{
					MaxConcurrentChapters: 4,
					MaxPromptSize:         100000,
					MaxRetries:            3,
					TotalTimeout:          30 * time.Minute,
					RateLimit: RateLimitConfig{
						RequestsPerMinute: 60,
						BurstSize:         10,
					},
				},
			},
			wantErr: false,
		},
		{
			name: "valid ollama config with no key",
			config: Config{
				AI: AIConfig{
					Provider: ProviderOllama,
					Model:    "qwen2.5:14b",
					BaseURL:  "http://localhost:11434",
					Timeout:  30,
				},
				Paths:  PathsConfig{DataDir: "data"},
				Limits: DefaultLimits(),
			},
			wantErr: false,
		},
		{
			name: "invalid provider",
			config: Config{
				AI: AIConfig{
					Provider: "bedrock",
					Model:    "claude-3-5-sonnet-20241022",
					BaseURL:  "https://api.anthropic.com/v1",
					Timeout:  30,
				},
				Paths:  PathsConfig{DataDir: "data"},
				Limits: DefaultLimits(),
			},
			wantErr: true,
			errMsg:  "Provider",
		},
		{
			name: "invalid base URL",
			config: Config{
				AI: AIConfig{
					Provider: ProviderAnthropic,
					APIKey:   "sk-1234567890abcdef1234567890abcdef",
					Model:    "claude-3-5-sonnet-20241022",
					BaseURL:  "not-a-url",
					Timeout:  30,
				},
				Paths:  PathsConfig{DataDir: "data"},
				Limits: DefaultLimits(),
			},
			wantErr: true,
			errMsg:  "BaseURL",
		},
		{
			name: "timeout too high",
			config: Config{
				AI: AIConfig{
					Provider: ProviderAnthropic,
					APIKey:   "sk-1234567890abcdef1234567890abcdef",
					Model:    "claude-3-5-sonnet-20241022",
					BaseURL:  "https://api.anthropic.com/v1",
					Timeout:  5000,
				},
				Paths:  PathsConfig{DataDir: "data"},
				Limits: DefaultLimits(),
			},
			wantErr: true,
			errMsg:  "Timeout",
		},
		{
			name: "concurrent chapters too high",
			config: Config{
				AI: AIConfig{
					Provider: ProviderAnthropic,
					APIKey:   "sk-1234567890abcdef1234567890abcdef",
					Model:    "claude-3-5-sonnet-20241022",
					BaseURL:  "https://api.anthropic.com/v1",
					Timeout:  30,
				},
				Paths: PathsConfig{DataDir: "data"},
				Limits: Limits{
					MaxConcurrentChapters: 200,
					MaxPromptSize:         100000,
					MaxRetries:            3,
					TotalTimeout:          30 * time.Minute,
					RateLimit: RateLimitConfig{
						RequestsPerMinute: 60,
						BurstSize:         10,
					},
				},
			},
			wantErr: true,
			errMsg:  "MaxConcurrentChapters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}

			if err != nil && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("validate() error = %v, want error containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestDefaultLimits(t *testing.T) {
	cfg := Config{
		AI: AIConfig{
			Provider: ProviderAnthropic,
			APIKey:   "sk-1234567890abcdef1234567890abcdef",
			Model:    "claude-3-5-sonnet-20241022",
			BaseURL:  "https://api.anthropic.com/v1",
			Timeout:  30,
		},
		Paths:  PathsConfig{DataDir: "data"},
		Limits: DefaultLimits(),
	}

	if err := cfg.validate(); err != nil {
		t.Errorf("DefaultLimits() should produce valid config, got error: %v", err)
	}
}
