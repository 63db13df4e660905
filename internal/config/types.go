// Package config implements the Configuration Registry (C3): discovery,
// validation, secret injection, and hot reload of agent descriptors.
package config

import (
	"fmt"
	"regexp"
)

// Mode is the execution discipline an agent descriptor selects.
type Mode string

const (
	ModeAutonomous   Mode = "autonomous"
	ModeCollaborative Mode = "collaborative"
	ModeContinuous   Mode = "continuous"
	ModeScheduled    Mode = "scheduled"
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// LLMConfig describes the model binding for an agent.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`

	// Resolved secrets, injected from the ambient environment at load time.
	// Never serialized back out.
	APIKey          string `yaml:"-"`
	Region          string `yaml:"-"`
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
	BaseURL         string `yaml:"-"`
}

// ToolAuth describes how a tool endpoint authenticates.
type ToolAuth struct {
	Type  string `yaml:"type"`
	Token string `yaml:"token,omitempty"`
}

// ToolRef is one MCP-protocol tool an agent may call (external collaborator
// boundary — only the reference is modeled here, not the protocol).
type ToolRef struct {
	Name string   `yaml:"name"`
	URL  string   `yaml:"url"`
	Auth ToolAuth `yaml:"auth,omitempty"`
}

// RetryConfig is the autonomous-pool discipline block.
type RetryConfig struct {
	MaxRetries         int  `yaml:"max_retries,omitempty"`
	RetryDelaySeconds  int  `yaml:"retry_delay_seconds,omitempty"`
	ExponentialBackoff bool `yaml:"exponential_backoff,omitempty"`
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxRetries <= 0 {
		r.MaxRetries = 2
	}
	if r.RetryDelaySeconds <= 0 {
		r.RetryDelaySeconds = 1
	}
	return r
}

// ContinuousConfig is the continuous-runner discipline block.
type ContinuousConfig struct {
	IdleTimeoutSeconds      int `yaml:"idle_timeout_seconds,omitempty"`
	SaveIntervalSeconds     int `yaml:"save_interval_seconds,omitempty"`
	MaxConversationHistory  int `yaml:"max_conversation_history,omitempty"`
}

func (c ContinuousConfig) withDefaults() ContinuousConfig {
	if c.IdleTimeoutSeconds <= 0 {
		// Open question resolved in DESIGN.md: 15 minutes, not 10.
		c.IdleTimeoutSeconds = 900
	}
	if c.SaveIntervalSeconds <= 0 {
		c.SaveIntervalSeconds = 30
	}
	if c.MaxConversationHistory <= 0 {
		c.MaxConversationHistory = 50
	}
	return c
}

// CollaborativeConfig is the collaborative-pool discipline block.
type CollaborativeConfig struct {
	PreferredCollaborators     []string `yaml:"preferred_collaborators,omitempty"`
	MaxPlanSteps               int      `yaml:"max_plan_steps,omitempty"`
	AllowHumanClarification    bool     `yaml:"allow_human_clarification,omitempty"`
	ClarificationTimeoutSeconds int     `yaml:"clarification_timeout_seconds,omitempty"`
}

func (c CollaborativeConfig) withDefaults() CollaborativeConfig {
	if c.MaxPlanSteps <= 0 {
		c.MaxPlanSteps = 10
	}
	if c.ClarificationTimeoutSeconds <= 0 {
		c.ClarificationTimeoutSeconds = 300
	}
	return c
}

// ScheduleConfig is the scheduler discipline block.
type ScheduleConfig struct {
	Type            string         `yaml:"type"` // cron|interval
	Cron            string         `yaml:"cron,omitempty"`
	IntervalSeconds int            `yaml:"interval_seconds,omitempty"`
	Timezone        string         `yaml:"timezone,omitempty"`
	TaskData        map[string]any `yaml:"task_data,omitempty"`
	TimeoutSeconds  int            `yaml:"timeout_seconds,omitempty"`
}

func (c ScheduleConfig) withDefaults() ScheduleConfig {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 300
	}
	return c
}

// AgentDescriptor is the immutable-after-load agent definition.
// A reload replaces the whole value atomically; nothing hands out a mutable
// reference into a live descriptor.
type AgentDescriptor struct {
	Name         string     `yaml:"name"`
	Mode         Mode       `yaml:"mode"`
	SystemPrompt string     `yaml:"system_prompt"`
	LLM          LLMConfig  `yaml:"llm"`
	Tools        []ToolRef  `yaml:"tools,omitempty"`
	Subscriptions []string  `yaml:"subscriptions,omitempty"`
	Tags         []string   `yaml:"tags,omitempty"`

	RetryConfig         *RetryConfig         `yaml:"retry_config,omitempty"`
	ContinuousConfig     *ContinuousConfig    `yaml:"continuous_config,omitempty"`
	CollaborativeConfig  *CollaborativeConfig `yaml:"collaborative_config,omitempty"`
	ScheduleConfig       *ScheduleConfig      `yaml:"schedule_config,omitempty"`

	SourceFile string `yaml:"-"`
}

// Validate enforces the descriptor invariants: name pattern, exactly
// one populated discipline block matching mode, and a SCHEDULED descriptor
// has exactly one of cron or interval_seconds.
func (d *AgentDescriptor) Validate() error {
	if !nameRe.MatchString(d.Name) {
		return fmt.Errorf("agent %q: name must match [a-z0-9][a-z0-9_-]*", d.Name)
	}

	blocks := 0
	if d.RetryConfig != nil {
		blocks++
	}
	if d.ContinuousConfig != nil {
		blocks++
	}
	if d.CollaborativeConfig != nil {
		blocks++
	}
	if d.ScheduleConfig != nil {
		blocks++
	}

	switch d.Mode {
	case ModeAutonomous:
		if d.RetryConfig == nil {
			d.RetryConfig = &RetryConfig{}
		}
		blocks = 1
	case ModeContinuous:
		if d.ContinuousConfig == nil {
			d.ContinuousConfig = &ContinuousConfig{}
		}
		blocks = 1
	case ModeCollaborative:
		if d.CollaborativeConfig == nil {
			d.CollaborativeConfig = &CollaborativeConfig{}
		}
		blocks = 1
	case ModeScheduled:
		if d.ScheduleConfig == nil {
			return fmt.Errorf("agent %q: mode=scheduled requires schedule_config", d.Name)
		}
		if (d.ScheduleConfig.Cron == "") == (d.ScheduleConfig.IntervalSeconds == 0) {
			return fmt.Errorf("agent %q: schedule_config must set exactly one of cron or interval_seconds", d.Name)
		}
		blocks = 1
	default:
		return fmt.Errorf("agent %q: unknown mode %q", d.Name, d.Mode)
	}
	if blocks != 1 {
		return fmt.Errorf("agent %q: exactly one discipline block must be populated for mode %q", d.Name, d.Mode)
	}

	if d.RetryConfig != nil {
		rc := d.RetryConfig.withDefaults()
		d.RetryConfig = &rc
	}
	if d.ContinuousConfig != nil {
		cc := d.ContinuousConfig.withDefaults()
		d.ContinuousConfig = &cc
	}
	if d.CollaborativeConfig != nil {
		cb := d.CollaborativeConfig.withDefaults()
		d.CollaborativeConfig = &cb
	}
	if d.ScheduleConfig != nil {
		sc := d.ScheduleConfig.withDefaults()
		d.ScheduleConfig = &sc
	}
	return nil
}

// RoutingKey returns the routing key used for operator/event submissions to
// this descriptor.
func (d *AgentDescriptor) RoutingKey() string {
	switch d.Mode {
	case ModeAutonomous:
		return "autonomous.task.submitted"
	case ModeCollaborative:
		return "collaborative.task.submitted"
	case ModeContinuous:
		return "continuous.task." + d.Name
	case ModeScheduled:
		return "scheduled.task." + d.Name
	}
	return ""
}
