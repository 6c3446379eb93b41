// Package config defines the kernel's typed configuration document (spec
// §6.4). The kernel never loads configuration itself — no file, flag, or
// environment variable parsing lives here — it only validates and exposes
// the sections a caller already decoded. The lookup/validation method shape
// (reject unknown keys, require explicit values, no silent defaults) is
// grounded on the teacher's infrastructure/config services settings map.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CallBudgetConfig configures the renewable call_budget resource.
type CallBudgetConfig struct {
	Capacity      float64 `json:"capacity"`
	WindowSeconds float64 `json:"window_seconds"`
}

// DiskBytesConfig configures the allocatable disk_bytes resource.
type DiskBytesConfig struct {
	Capacity float64 `json:"capacity"`
}

// ResourcesConfig configures the three registered kernel resources.
type ResourcesConfig struct {
	LlmDollarBudget float64          `json:"llm_dollar_budget"`
	CallBudget      CallBudgetConfig `json:"call_budget"`
	DiskBytes       DiskBytesConfig  `json:"disk_bytes"`
}

// MintConfig configures the mint auction (C6).
type MintConfig struct {
	PeriodSeconds            float64 `json:"period_seconds"`
	FirstAuctionDelaySeconds float64 `json:"first_auction_delay_seconds"`
	MinimumBid               int64   `json:"minimum_bid"`
}

// AgentConfig configures a single agent loop.
type AgentConfig struct {
	LlmModel            string   `json:"llm_model"`
	SystemPrompt        string   `json:"system_prompt"`
	SubscribedArtifacts []string `json:"subscribed_artifacts"`
	MaxConsecutiveErrors int     `json:"max_consecutive_errors"`
}

// SupervisorConfig configures the agent supervisor's restart/backoff policy.
type SupervisorConfig struct {
	InitialBackoffSeconds float64 `json:"initial_backoff"`
	MaxBackoffSeconds     float64 `json:"max_backoff"`
	Multiplier            float64 `json:"multiplier"`
	MaxRestartsPerHour    int     `json:"max_restarts_per_hour"`
}

// CheckpointConfig configures event-log checkpointing (C8).
type CheckpointConfig struct {
	IntervalEvents int    `json:"interval_events"`
	Directory      string `json:"directory"`
}

// Config is the complete kernel configuration document (spec §6.4).
type Config struct {
	Resources  ResourcesConfig        `json:"resources"`
	Mint       MintConfig             `json:"mint"`
	Agents     map[string]AgentConfig `json:"agents"`
	Supervisor SupervisorConfig       `json:"supervisor"`
	Checkpoint CheckpointConfig       `json:"checkpoint"`
}

// Validate rejects missing required fields. Unknown keys are already
// rejected by DecodeStrict at decode time; Validate catches everything a
// JSON schema can't, such as zero-value fields that are required to be
// explicit and non-defaulted (spec §6.4: "no silent defaults").
func (c Config) Validate() error {
	if c.Resources.LlmDollarBudget <= 0 {
		return fmt.Errorf("config: resources.llm_dollar_budget must be > 0")
	}
	if c.Resources.CallBudget.Capacity <= 0 {
		return fmt.Errorf("config: resources.call_budget.capacity must be > 0")
	}
	if c.Resources.CallBudget.WindowSeconds <= 0 {
		return fmt.Errorf("config: resources.call_budget.window_seconds must be > 0")
	}
	if c.Resources.DiskBytes.Capacity <= 0 {
		return fmt.Errorf("config: resources.disk_bytes.capacity must be > 0")
	}
	if c.Mint.PeriodSeconds <= 0 {
		return fmt.Errorf("config: mint.period_seconds must be > 0")
	}
	if c.Mint.MinimumBid < 0 {
		return fmt.Errorf("config: mint.minimum_bid must be >= 0")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: agents must have at least one entry")
	}
	for id, a := range c.Agents {
		if a.LlmModel == "" {
			return fmt.Errorf("config: agents[%s].llm_model is required", id)
		}
		if a.MaxConsecutiveErrors <= 0 {
			return fmt.Errorf("config: agents[%s].max_consecutive_errors must be > 0", id)
		}
	}
	if c.Supervisor.InitialBackoffSeconds <= 0 {
		return fmt.Errorf("config: supervisor.initial_backoff must be > 0")
	}
	if c.Supervisor.MaxBackoffSeconds < c.Supervisor.InitialBackoffSeconds {
		return fmt.Errorf("config: supervisor.max_backoff must be >= initial_backoff")
	}
	if c.Supervisor.Multiplier <= 1.0 {
		return fmt.Errorf("config: supervisor.multiplier must be > 1.0")
	}
	if c.Checkpoint.IntervalEvents <= 0 {
		return fmt.Errorf("config: checkpoint.interval_events must be > 0")
	}
	if c.Checkpoint.Directory == "" {
		return fmt.Errorf("config: checkpoint.directory is required")
	}
	return nil
}

// DecodeStrict decodes raw JSON into a Config, rejecting unknown fields. It
// is provided for tests and demo wiring (cmd/kernel) only — it is not a
// general configuration loader and the kernel's own code never calls it
// implicitly; the caller is always expected to supply an already-validated
// Config value.
func DecodeStrict(raw []byte) (Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}
