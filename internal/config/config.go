package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Workflow     WorkflowConfig     `json:"workflow"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// OrchestratorConfig tunes task planning and dispatch.
type OrchestratorConfig struct {
	AdmissionLimit      int     `json:"admission_limit"`
	DecomposeThreshold  float64 `json:"decompose_threshold"`
	TaskTimeoutSec      float64 `json:"task_timeout_sec"`
	OverloadThreshold   float64 `json:"overload_threshold"`
	MaxFallbacksPerTask int     `json:"max_fallbacks_per_task"`
}

// WorkflowConfig tunes graph execution.
type WorkflowConfig struct {
	MaxInstances   int     `json:"max_instances"`
	RetryCount     int     `json:"retry_count"`
	NodeTimeoutSec float64 `json:"node_timeout_sec"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Orchestrator.AdmissionLimit <= 0 {
		c.Orchestrator.AdmissionLimit = 5
	}
	if c.Orchestrator.OverloadThreshold <= 0 {
		c.Orchestrator.OverloadThreshold = 0.85
	}
	if c.Orchestrator.TaskTimeoutSec <= 0 {
		c.Orchestrator.TaskTimeoutSec = 60
	}
	if c.Workflow.MaxInstances <= 0 {
		c.Workflow.MaxInstances = 10
	}
	if c.Workflow.RetryCount <= 0 {
		c.Workflow.RetryCount = 3
	}
	if c.Workflow.NodeTimeoutSec <= 0 {
		c.Workflow.NodeTimeoutSec = 60
	}
}
