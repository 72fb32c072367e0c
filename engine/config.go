package engine

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/configloader"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xchat/encoding"
	"github.com/effective-security/xchat/mcphub"
	"github.com/effective-security/xchat/pkg/llmfactory"
)

const (
	// DefaultTurnLimit caps LLM round-trips per query.
	DefaultTurnLimit = 5

	// DefaultListen is the address of the HTTP front end.
	DefaultListen = ":8003"
)

// Config describes a chat engine deployment: the tool servers to connect,
// the model providers, the loop limits and the session store.
type Config struct {
	// Servers lists the MCP tool servers to connect at startup.
	Servers []*mcphub.ServerConfig `json:"servers" yaml:"servers"`

	// CallTimeout bounds each tool invocation, in seconds.
	// Zero selects mcphub.DefaultCallTimeout.
	CallTimeout int `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`

	// ConnectTimeout bounds each server handshake, in seconds.
	// Zero selects mcphub.DefaultConnectTimeout.
	ConnectTimeout int `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`

	// TurnLimit caps LLM round-trips per query.
	// Zero selects DefaultTurnLimit.
	TurnLimit int `json:"turn_limit,omitempty" yaml:"turn_limit,omitempty"`

	// LLMTimeout bounds each model call, in seconds. Zero leaves the call
	// bounded only by the caller's context.
	LLMTimeout int `json:"llm_timeout,omitempty" yaml:"llm_timeout,omitempty"`

	// SessionTTL expires idle sessions, in seconds. Zero keeps sessions
	// for the life of the process.
	SessionTTL int `json:"session_ttl,omitempty" yaml:"session_ttl,omitempty"`

	// MaxMessages caps the stored history per session. Zero is unbounded.
	MaxMessages int `json:"max_messages,omitempty" yaml:"max_messages,omitempty"`

	// AllowImplicitSessions makes ProcessQuery create a session when called
	// with an unknown id instead of returning store.ErrSessionNotFound.
	AllowImplicitSessions bool `json:"allow_implicit_sessions,omitempty" yaml:"allow_implicit_sessions,omitempty"`

	// AnswerFormat selects the final-answer encoding the model is asked to
	// produce and the parser applied to it: json (default), yaml, toml or
	// text. Chart specs survive only the structured formats; text passes
	// the reply through as prose.
	AnswerFormat string `json:"answer_format,omitempty" yaml:"answer_format,omitempty"`

	// SystemPromptFile points at a custom instruction block for the system
	// prompt. Empty selects prompts.DefaultInstructions.
	SystemPromptFile string `json:"system_prompt_file,omitempty" yaml:"system_prompt_file,omitempty"`

	// RedisURL selects the Redis session store, for example
	// redis://localhost:6379/0. Empty selects the in-memory store.
	RedisURL string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`

	// Listen is the address of the HTTP front end.
	// Empty selects DefaultListen.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// LLM configures the model providers.
	LLM *llmfactory.Config `json:"llm,omitempty" yaml:"llm,omitempty"`
}

// LoadConfig loads and validates a YAML config file, expanding ${ENV}
// references.
func LoadConfig(file string) (*Config, error) {
	cfg := new(Config)
	err := configloader.UnmarshalAndExpand(file, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration: %s", file)
	}
	return cfg, nil
}

// Validate checks the loop limits and every server entry.
func (c *Config) Validate() error {
	if c.TurnLimit < 0 {
		return errors.New("turn_limit must not be negative")
	}
	if c.LLMTimeout < 0 {
		return errors.New("llm_timeout must not be negative")
	}
	switch c.AnswerFormat {
	case "", "json", "yaml", "toml", "text":
	default:
		return errors.Newf("unsupported answer_format %q", c.AnswerFormat)
	}
	return c.Hub().Validate()
}

// Hub returns the connection pool slice of the configuration.
func (c *Config) Hub() *mcphub.Config {
	return &mcphub.Config{
		Servers:        c.Servers,
		CallTimeout:    c.CallTimeout,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// ListenAddr returns the HTTP front end address.
func (c *Config) ListenAddr() string {
	return values.StringsCoalesce(c.Listen, DefaultListen)
}

func (c *Config) turnLimit() int {
	return values.NumbersCoalesce(c.TurnLimit, DefaultTurnLimit)
}

func (c *Config) answerMode() encoding.Mode {
	switch c.AnswerFormat {
	case "yaml":
		return encoding.ModeYAML
	case "toml":
		return encoding.ModeTOML
	case "text":
		return encoding.ModePlainText
	default:
		return encoding.ModeJSON
	}
}

func (c *Config) llmTimeout() time.Duration {
	return time.Duration(c.LLMTimeout) * time.Second
}

func (c *Config) sessionTTL() time.Duration {
	return time.Duration(c.SessionTTL) * time.Second
}
