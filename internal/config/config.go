package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTrace  bool   `yaml:"stdout_trace"`
	// SampleRatio is the fraction of root spans recorded, 0..1.
	SampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	Insertion   InsertionConfig  `yaml:"insertion"`
	Feedback    FeedbackConfig   `yaml:"feedback"`
	Context     ContextConfig    `yaml:"context"`
	Workflow    WorkflowConfig   `yaml:"workflow"`
	Retry       RetryConfig      `yaml:"retry"`
	Cache       CacheConfig      `yaml:"cache"`
	Monitor     MonitorConfig    `yaml:"monitor"`
	Agents      AgentsConfig     `yaml:"agents"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	RequestTimeout int      `yaml:"request_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Mode       string `yaml:"mode"` // mock, bus, exec
	Device     string `yaml:"device"`
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type STTConfig struct {
	Mode       string   `yaml:"mode"` // mock, exec, openai
	Command    string   `yaml:"command"`
	ModelPath  string   `yaml:"model_path"`
	Language   string   `yaml:"language"`
	APIKey     string   `yaml:"api_key"`
	BaseURL    string   `yaml:"base_url"`
	Model      string   `yaml:"model"`
	Vocabulary []string `yaml:"vocabulary"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, openai, anthropic, exec
	Endpoint    string  `yaml:"endpoint"`
	BaseURL     string  `yaml:"base_url"`
	Command     string  `yaml:"command"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	System      string  `yaml:"system"`
}

type InsertionConfig struct {
	Primary      string `yaml:"primary"`  // bus, clipboard, log
	Fallback     string `yaml:"fallback"` // bus, clipboard, log, none
	PasteKeys    bool   `yaml:"paste_keys"`
	RestoreDelay int    `yaml:"restore_delay_ms"`
}

type FeedbackConfig struct {
	Bus     bool   `yaml:"bus"`
	Desktop bool   `yaml:"desktop"`
	Title   string `yaml:"title"`
}

type ContextRule struct {
	Pattern string `yaml:"pattern"`
	Context string `yaml:"context"`
}

type ContextConfig struct {
	Source  string            `yaml:"source"` // static, bus
	Static  string            `yaml:"static_title"`
	Rules   []ContextRule     `yaml:"rules"`
	Prompts map[string]string `yaml:"prompts"`
}

type WorkflowConfig struct {
	MaxCaptureMS     int     `yaml:"max_capture_ms"`
	CaptureTimeoutMS int     `yaml:"capture_timeout_ms"`
	RecognizeTimeout int     `yaml:"recognize_timeout_ms"`
	EnhanceTimeout   int     `yaml:"enhance_timeout_ms"`
	InsertTimeout    int     `yaml:"insert_timeout_ms"`
	MinConfidence    float64 `yaml:"min_confidence"`
	EventQueueSize   int     `yaml:"event_queue_size"`
	HistorySize      int     `yaml:"history_size"`
	EnhanceEnabled   bool    `yaml:"enhance_enabled"`
}

type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	BaseDelayMS     int     `yaml:"base_delay_ms"`
	MaxDelayMS      int     `yaml:"max_delay_ms"`
	Multiplier      float64 `yaml:"multiplier"`
	Jitter          float64 `yaml:"jitter"`
	RateLimitFactor float64 `yaml:"rate_limit_factor"`
}

type CacheConfig struct {
	Capacity         int         `yaml:"capacity"`
	RecognitionTTL   int         `yaml:"recognition_ttl_s"`
	EnhancementTTL   int         `yaml:"enhancement_ttl_s"`
	SweepIntervalS   int         `yaml:"sweep_interval_s"`
	StoreAfterCancel bool        `yaml:"store_after_cancel"`
	Redis            RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type MonitorConfig struct {
	Capacity int `yaml:"capacity"`
}

// AgentsConfig controls presence tracking of the desktop agents that serve
// the bus-backed capture, insertion and window ports.
type AgentsConfig struct {
	HeartbeatTimeout int      `yaml:"heartbeat_timeout_ms"`
	RequiredRoles    []string `yaml:"required_roles"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
			SampleRatio:  1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			RequestTimeout: 1500,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictate.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   5000,
		},
		Capture: CaptureConfig{
			Mode:       "mock",
			Device:     "default",
			SampleRate: 16000,
			Channels:   1,
		},
		STT: STTConfig{
			Mode:  "mock",
			Model: "whisper-1",
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			MaxTokens:   512,
			Temperature: 0.2,
			System:      "You clean up dictated text. Fix punctuation, capitalization and obvious recognition errors. Return only the corrected text.",
		},
		Insertion: InsertionConfig{
			Primary:      "log",
			Fallback:     "none",
			RestoreDelay: 120,
		},
		Feedback: FeedbackConfig{
			Title: "Loqa Dictate",
		},
		Context: ContextConfig{
			Source: "static",
		},
		Workflow: WorkflowConfig{
			MaxCaptureMS:     60000,
			CaptureTimeoutMS: 2000,
			RecognizeTimeout: 8000,
			EnhanceTimeout:   5000,
			InsertTimeout:    2000,
			MinConfidence:    0.5,
			EventQueueSize:   32,
			HistorySize:      50,
			EnhanceEnabled:   true,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			BaseDelayMS:     250,
			MaxDelayMS:      4000,
			Multiplier:      2,
			Jitter:          0.2,
			RateLimitFactor: 4,
		},
		Cache: CacheConfig{
			Capacity:       256,
			RecognitionTTL: 3600,
			EnhancementTTL: 3600,
			SweepIntervalS: 60,
			Redis: RedisConfig{
				Prefix: "loqa-dictate:",
			},
		},
		Monitor: MonitorConfig{
			Capacity: 512,
		},
		Agents: AgentsConfig{
			HeartbeatTimeout: 15000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTrace, "LOQA_TELEMETRY_STDOUT_TRACE")
	overrideFloat(&cfg.Telemetry.SampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeout, "LOQA_BUS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.BaseURL, "LOQA_STT_BASE_URL")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideStringSlice(&cfg.STT.Vocabulary, "LOQA_STT_VOCABULARY")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.BaseURL, "LOQA_LLM_BASE_URL")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.Insertion.Primary, "LOQA_INSERTION_PRIMARY")
	overrideString(&cfg.Insertion.Fallback, "LOQA_INSERTION_FALLBACK")
	overrideBool(&cfg.Insertion.PasteKeys, "LOQA_INSERTION_PASTE_KEYS")
	overrideBool(&cfg.Feedback.Bus, "LOQA_FEEDBACK_BUS")
	overrideBool(&cfg.Feedback.Desktop, "LOQA_FEEDBACK_DESKTOP")
	overrideString(&cfg.Context.Source, "LOQA_CONTEXT_SOURCE")
	overrideString(&cfg.Context.Static, "LOQA_CONTEXT_STATIC_TITLE")
	overrideInt(&cfg.Workflow.MaxCaptureMS, "LOQA_WORKFLOW_MAX_CAPTURE_MS")
	overrideInt(&cfg.Workflow.CaptureTimeoutMS, "LOQA_WORKFLOW_CAPTURE_TIMEOUT_MS")
	overrideInt(&cfg.Workflow.RecognizeTimeout, "LOQA_WORKFLOW_RECOGNIZE_TIMEOUT_MS")
	overrideInt(&cfg.Workflow.EnhanceTimeout, "LOQA_WORKFLOW_ENHANCE_TIMEOUT_MS")
	overrideInt(&cfg.Workflow.InsertTimeout, "LOQA_WORKFLOW_INSERT_TIMEOUT_MS")
	overrideFloat(&cfg.Workflow.MinConfidence, "LOQA_WORKFLOW_MIN_CONFIDENCE")
	overrideBool(&cfg.Workflow.EnhanceEnabled, "LOQA_WORKFLOW_ENHANCE_ENABLED")
	overrideInt(&cfg.Workflow.EventQueueSize, "LOQA_WORKFLOW_EVENT_QUEUE_SIZE")
	overrideInt(&cfg.Workflow.HistorySize, "LOQA_WORKFLOW_HISTORY_SIZE")
	overrideInt(&cfg.Retry.MaxAttempts, "LOQA_RETRY_MAX_ATTEMPTS")
	overrideInt(&cfg.Retry.BaseDelayMS, "LOQA_RETRY_BASE_DELAY_MS")
	overrideInt(&cfg.Retry.MaxDelayMS, "LOQA_RETRY_MAX_DELAY_MS")
	overrideFloat(&cfg.Retry.Multiplier, "LOQA_RETRY_MULTIPLIER")
	overrideFloat(&cfg.Retry.Jitter, "LOQA_RETRY_JITTER")
	overrideFloat(&cfg.Retry.RateLimitFactor, "LOQA_RETRY_RATE_LIMIT_FACTOR")
	overrideInt(&cfg.Cache.Capacity, "LOQA_CACHE_CAPACITY")
	overrideInt(&cfg.Cache.RecognitionTTL, "LOQA_CACHE_RECOGNITION_TTL_S")
	overrideInt(&cfg.Cache.EnhancementTTL, "LOQA_CACHE_ENHANCEMENT_TTL_S")
	overrideInt(&cfg.Cache.SweepIntervalS, "LOQA_CACHE_SWEEP_INTERVAL_S")
	overrideBool(&cfg.Cache.StoreAfterCancel, "LOQA_CACHE_STORE_AFTER_CANCEL")
	overrideString(&cfg.Cache.Redis.Addr, "LOQA_CACHE_REDIS_ADDR")
	overrideString(&cfg.Cache.Redis.Password, "LOQA_CACHE_REDIS_PASSWORD")
	overrideInt(&cfg.Cache.Redis.DB, "LOQA_CACHE_REDIS_DB")
	overrideInt(&cfg.Monitor.Capacity, "LOQA_MONITOR_CAPACITY")
	overrideInt(&cfg.Agents.HeartbeatTimeout, "LOQA_AGENTS_HEARTBEAT_TIMEOUT_MS")
	overrideStringSlice(&cfg.Agents.RequiredRoles, "LOQA_AGENTS_REQUIRED_ROLES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}

	busModes := func(section, mode string) error {
		if mode == "bus" && !cfg.Bus.Enabled {
			return fmt.Errorf("%s=bus requires bus.enabled", section)
		}
		return nil
	}

	switch cfg.Capture.Mode {
	case "mock", "bus", "exec":
	default:
		return errors.New("capture.mode must be one of mock|bus|exec")
	}
	if err := busModes("capture.mode", cfg.Capture.Mode); err != nil {
		return err
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}

	switch cfg.STT.Mode {
	case "mock", "exec", "openai":
	default:
		return errors.New("stt.mode must be one of mock|exec|openai")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "openai" && cfg.STT.APIKey == "" {
		return errors.New("stt.api_key must be set when mode=openai")
	}

	switch cfg.LLM.Mode {
	case "mock", "ollama", "openai", "anthropic", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|openai|anthropic|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if (cfg.LLM.Mode == "openai" || cfg.LLM.Mode == "anthropic") && cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key must be set when mode=%s", cfg.LLM.Mode)
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}

	switch cfg.Insertion.Primary {
	case "bus", "clipboard", "log":
	default:
		return errors.New("insertion.primary must be one of bus|clipboard|log")
	}
	switch cfg.Insertion.Fallback {
	case "bus", "clipboard", "log", "none", "":
	default:
		return errors.New("insertion.fallback must be one of bus|clipboard|log|none")
	}
	if err := busModes("insertion.primary", cfg.Insertion.Primary); err != nil {
		return err
	}
	if err := busModes("insertion.fallback", cfg.Insertion.Fallback); err != nil {
		return err
	}
	if cfg.Feedback.Bus && !cfg.Bus.Enabled {
		return errors.New("feedback.bus requires bus.enabled")
	}

	switch cfg.Context.Source {
	case "static", "bus":
	default:
		return errors.New("context.source must be one of static|bus")
	}
	if err := busModes("context.source", cfg.Context.Source); err != nil {
		return err
	}
	for i, rule := range cfg.Context.Rules {
		if strings.TrimSpace(rule.Pattern) == "" || strings.TrimSpace(rule.Context) == "" {
			return fmt.Errorf("context.rules[%d] needs both pattern and context", i)
		}
	}

	w := cfg.Workflow
	if w.MaxCaptureMS <= 0 || w.CaptureTimeoutMS <= 0 || w.RecognizeTimeout <= 0 || w.EnhanceTimeout <= 0 || w.InsertTimeout <= 0 {
		return errors.New("workflow timeouts must be positive")
	}
	if w.MinConfidence < 0 || w.MinConfidence > 1 {
		return errors.New("workflow.min_confidence must be within [0,1]")
	}
	if w.EventQueueSize <= 0 {
		return errors.New("workflow.event_queue_size must be >= 1")
	}
	if w.HistorySize <= 0 {
		return errors.New("workflow.history_size must be >= 1")
	}

	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.BaseDelayMS < 0 || cfg.Retry.MaxDelayMS < 0 {
		return errors.New("retry delays must be >= 0")
	}
	if cfg.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be >= 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter >= 1 {
		return errors.New("retry.jitter must be within [0,1)")
	}

	if cfg.Cache.Capacity <= 0 {
		return errors.New("cache.capacity must be >= 1")
	}
	if cfg.Cache.RecognitionTTL <= 0 || cfg.Cache.EnhancementTTL <= 0 {
		return errors.New("cache ttls must be positive")
	}
	if cfg.Monitor.Capacity <= 0 {
		return errors.New("monitor.capacity must be >= 1")
	}
	if cfg.Bus.Enabled && cfg.Agents.HeartbeatTimeout <= 0 {
		return errors.New("agents.heartbeat_timeout_ms must be positive")
	}
	for _, role := range cfg.Agents.RequiredRoles {
		switch role {
		case "capture", "insert", "window", "hotkey":
		default:
			return fmt.Errorf("agents.required_roles: unknown role %q", role)
		}
	}
	return nil
}
