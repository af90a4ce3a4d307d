package config

import "time"

// Limits bounds the resource usage of a single analysis run.
type Limits struct {
	MaxConcurrentChapters int             `yaml:"max_concurrent_chapters" validate:"required,min=1,max=100"`
	MaxPromptSize         int             `yaml:"max_prompt_size" validate:"required,min=1000,max=1000000"`
	MaxRetries            int             `yaml:"max_retries" validate:"required,min=0,max=10"`
	TotalTimeout          time.Duration   `yaml:"total_timeout" validate:"required,min=1m,max=24h"`
	StageTimeouts         StageTimeouts   `yaml:"stage_timeouts"`
	RateLimit             RateLimitConfig `yaml:"rate_limit" validate:"required"`
}

// StageTimeouts bounds each pipeline stage independently so a single stuck
// LLM call cannot stall an entire analysis task.
type StageTimeouts struct {
	LLMCall          time.Duration `yaml:"llm_call" validate:"min=5s,max=30m"`
	ChapterExtract   time.Duration `yaml:"chapter_extract" validate:"min=10s,max=30m"`
	PrescanPhaseOne  time.Duration `yaml:"prescan_phase_one" validate:"min=1s,max=5m"`
	PrescanPhaseTwo  time.Duration `yaml:"prescan_phase_two" validate:"min=5s,max=10m"`
	WorldAgentDelta  time.Duration `yaml:"world_agent_delta" validate:"min=5s,max=10m"`
	LayoutSolve      time.Duration `yaml:"layout_solve" validate:"min=1s,max=10m"`
}

// RateLimitConfig bounds outbound LLM/embedding requests per minute.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"required,min=1,max=1000"`
	BurstSize         int `yaml:"burst_size" validate:"required,min=1,max=100"`
}

// DefaultLimits returns the out-of-the-box resource envelope, tuned for a
// single novel analyzed chapter-by-chapter against a cloud LLM.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentChapters: 4,
		MaxPromptSize:         120000,
		MaxRetries:            5,
		TotalTimeout:          6 * time.Hour,
		StageTimeouts: StageTimeouts{
			LLMCall:         120 * time.Second,
			ChapterExtract:  150 * time.Second,
			PrescanPhaseOne: 15 * time.Second,
			PrescanPhaseTwo: 30 * time.Second,
			WorldAgentDelta: 60 * time.Second,
			LayoutSolve:     45 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 50,
			BurstSize:         10,
		},
	}
}
