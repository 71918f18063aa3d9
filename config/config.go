package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration from defaults, the config file and
// environment variables, in that order of precedence.
type Config struct {
	HTTPPort        string
	InputPath       string
	DataDir         string
	DBPath          string
	PreferencesPath string
	LogMode         string
	WorkerCount     int
	ItemTimeoutSec  int
	Memory          MemoryConfig
	Enrichment      EnrichmentConfig
	Schedule        ScheduleConfig
	Notify          NotifyConfig
	StrictConfig    bool

	// Warnings collects non-fatal load problems; the caller logs them once a
	// logger exists.
	Warnings []string
}

// MemoryConfig selects and tunes the memory backend.
type MemoryConfig struct {
	Backend      string
	Dir          string
	HistoryLimit int
	RedisURL     string
	RedisPrefix  string
}

// EnrichmentConfig captures the chat model settings.
type EnrichmentConfig struct {
	Enabled       bool
	Model         string
	BaseURL       string
	APIKey        string
	Temperature   float64
	MaxTokens     int
	TimeoutSec    int
	PromptVersion string
}

// ScheduleConfig controls automatic runs.
type ScheduleConfig struct {
	Cron       string
	WatchInput bool
}

// NotifyConfig controls run notifications.
type NotifyConfig struct {
	WebhookURL string
	BotID      string
}

type fileConfig struct {
	HTTPPort        string               `json:"http_port" yaml:"http_port"`
	InputPath       string               `json:"input_path" yaml:"input_path"`
	DataDir         string               `json:"data_dir" yaml:"data_dir"`
	DBPath          string               `json:"db_path" yaml:"db_path"`
	PreferencesPath string               `json:"preferences_path" yaml:"preferences_path"`
	LogMode         string               `json:"log_mode" yaml:"log_mode"`
	WorkerCount     *int                 `json:"worker_count" yaml:"worker_count"`
	ItemTimeoutSec  *int                 `json:"item_timeout_sec" yaml:"item_timeout_sec"`
	Memory          memoryFileConfig     `json:"memory" yaml:"memory"`
	Enrichment      enrichmentFileConfig `json:"enrichment" yaml:"enrichment"`
	Schedule        scheduleFileConfig   `json:"schedule" yaml:"schedule"`
	Notify          notifyFileConfig     `json:"notify" yaml:"notify"`
}

type memoryFileConfig struct {
	Backend      string `json:"backend" yaml:"backend"`
	Dir          string `json:"dir" yaml:"dir"`
	HistoryLimit *int   `json:"history_limit" yaml:"history_limit"`
	RedisURL     string `json:"redis_url" yaml:"redis_url"`
	RedisPrefix  string `json:"redis_prefix" yaml:"redis_prefix"`
}

type enrichmentFileConfig struct {
	Enabled       *bool    `json:"enabled" yaml:"enabled"`
	Model         string   `json:"model" yaml:"model"`
	BaseURL       string   `json:"base_url" yaml:"base_url"`
	APIKey        string   `json:"api_key" yaml:"api_key"`
	Temperature   *float64 `json:"temperature" yaml:"temperature"`
	MaxTokens     *int     `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSec    *int     `json:"timeout_sec" yaml:"timeout_sec"`
	PromptVersion string   `json:"prompt_version" yaml:"prompt_version"`
}

type scheduleFileConfig struct {
	Cron       string `json:"cron" yaml:"cron"`
	WatchInput *bool  `json:"watch_input" yaml:"watch_input"`
}

type notifyFileConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
	BotID      string `json:"bot_id" yaml:"bot_id"`
}

const (
	defaultPort           = ":8000"
	defaultDataDir        = "runtime"
	defaultInputFile      = "students.json"
	defaultDBFile         = "insights.db"
	defaultMemoryDir      = "memory"
	defaultLogMode        = "dev"
	defaultWorkerCount    = 1
	maxWorkerCount        = 64
	defaultMemoryBackend  = "file"
	defaultHistoryLimit   = 10
	defaultRedisPrefix    = "insights"
	defaultModel          = "gpt-4o-mini"
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultTemperature    = 0.2
	defaultMaxTokens      = 800
	defaultLLMTimeoutSec  = 30
	defaultPromptVersion  = "v1"
	defaultDotEnvFileName = ".env"
)

// Load reads configuration from the config file and environment variables
// and applies sane defaults. A .env file is loaded first without overriding
// variables that are already set.
func Load() (Config, error) {
	_ = godotenv.Load(getEnv("DOTENV_PATH", defaultDotEnvFileName))

	cfg := Config{
		WorkerCount:  defaultWorkerCount,
		StrictConfig: parseBoolEnv("STRICT_CONFIG"),
		Memory: MemoryConfig{
			Backend:      defaultMemoryBackend,
			HistoryLimit: defaultHistoryLimit,
			RedisPrefix:  defaultRedisPrefix,
		},
		Enrichment: EnrichmentConfig{
			Enabled:       true,
			Model:         defaultModel,
			BaseURL:       defaultBaseURL,
			Temperature:   defaultTemperature,
			MaxTokens:     defaultMaxTokens,
			TimeoutSec:    defaultLLMTimeoutSec,
			PromptVersion: defaultPromptVersion,
		},
	}

	configPath := getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(configPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", configPath, fileErr)
		}
		cfg.warnf("config load failed (%s): %v (using defaults)", configPath, fileErr)
	}

	cfg.DataDir = firstNonEmpty(os.Getenv("DATA_DIR"), fileCfg.DataDir, defaultDataDir)
	cfg.InputPath = firstNonEmpty(os.Getenv("INPUT_PATH"), fileCfg.InputPath, filepath.Join(cfg.DataDir, defaultInputFile))
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), fileCfg.DBPath, filepath.Join(cfg.DataDir, defaultDBFile))
	cfg.PreferencesPath = firstNonEmpty(os.Getenv("PREFERENCES_PATH"), fileCfg.PreferencesPath)
	cfg.LogMode = firstNonEmpty(os.Getenv("LOG_MODE"), fileCfg.LogMode, defaultLogMode)

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}

	if fileCfg.WorkerCount != nil {
		cfg.WorkerCount = *fileCfg.WorkerCount
	}
	if fileCfg.ItemTimeoutSec != nil {
		cfg.ItemTimeoutSec = *fileCfg.ItemTimeoutSec
	}
	cfg.Memory = applyMemoryOverrides(cfg.Memory, fileCfg.Memory)
	cfg.Memory.Dir = firstNonEmpty(cfg.Memory.Dir, filepath.Join(cfg.DataDir, defaultMemoryDir))
	cfg.Enrichment = applyEnrichmentOverrides(cfg.Enrichment, fileCfg.Enrichment)
	cfg.Schedule.Cron = strings.TrimSpace(fileCfg.Schedule.Cron)
	if fileCfg.Schedule.WatchInput != nil {
		cfg.Schedule.WatchInput = *fileCfg.Schedule.WatchInput
	}
	cfg.Notify = NotifyConfig{WebhookURL: fileCfg.Notify.WebhookURL, BotID: fileCfg.Notify.BotID}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		cfg.warnf("config validation failed: %v (continuing with defaults)", err)
		cfg.clampInvalid()
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	ints := []struct {
		key string
		dst *int
	}{
		{"WORKER_COUNT", &cfg.WorkerCount},
		{"ITEM_TIMEOUT_SEC", &cfg.ItemTimeoutSec},
		{"MEMORY_HISTORY_LIMIT", &cfg.Memory.HistoryLimit},
		{"LLM_MAX_TOKENS", &cfg.Enrichment.MaxTokens},
		{"LLM_TIMEOUT_SEC", &cfg.Enrichment.TimeoutSec},
	}
	for _, item := range ints {
		v, ok, err := parseIntEnv(item.key)
		if err != nil {
			if cfg.StrictConfig {
				return fmt.Errorf("invalid %s: %w", item.key, err)
			}
			cfg.warnf("invalid %s: %v (using default)", item.key, err)
			continue
		}
		if ok {
			*item.dst = v
		}
	}
	if v, ok, err := parseFloatEnv("LLM_TEMPERATURE"); err != nil {
		if cfg.StrictConfig {
			return fmt.Errorf("invalid LLM_TEMPERATURE: %w", err)
		}
		cfg.warnf("invalid LLM_TEMPERATURE: %v (using default)", err)
	} else if ok {
		cfg.Enrichment.Temperature = v
	}

	cfg.Memory.Backend = strings.ToLower(firstNonEmpty(os.Getenv("MEMORY_BACKEND"), cfg.Memory.Backend))
	cfg.Memory.Dir = firstNonEmpty(os.Getenv("MEMORY_DIR"), cfg.Memory.Dir)
	cfg.Memory.RedisURL = firstNonEmpty(os.Getenv("REDIS_URL"), cfg.Memory.RedisURL)
	cfg.Memory.RedisPrefix = firstNonEmpty(os.Getenv("REDIS_PREFIX"), cfg.Memory.RedisPrefix)

	if v := os.Getenv("ENRICHMENT_ENABLED"); strings.TrimSpace(v) != "" {
		cfg.Enrichment.Enabled = parseBoolEnv("ENRICHMENT_ENABLED")
	}
	cfg.Enrichment.Model = firstNonEmpty(os.Getenv("LLM_MODEL"), cfg.Enrichment.Model)
	cfg.Enrichment.BaseURL = firstNonEmpty(os.Getenv("LLM_BASE_URL"), os.Getenv("OPENAI_BASE_URL"), cfg.Enrichment.BaseURL)
	cfg.Enrichment.APIKey = firstNonEmpty(os.Getenv("OPENAI_API_KEY"), cfg.Enrichment.APIKey)
	cfg.Enrichment.PromptVersion = firstNonEmpty(os.Getenv("PROMPT_VERSION"), cfg.Enrichment.PromptVersion)

	cfg.Schedule.Cron = firstNonEmpty(os.Getenv("SCHEDULE_CRON"), cfg.Schedule.Cron)
	if v := os.Getenv("WATCH_INPUT"); strings.TrimSpace(v) != "" {
		cfg.Schedule.WatchInput = parseBoolEnv("WATCH_INPUT")
	}
	cfg.Notify.WebhookURL = firstNonEmpty(os.Getenv("NOTIFY_WEBHOOK_URL"), cfg.Notify.WebhookURL)
	cfg.Notify.BotID = firstNonEmpty(os.Getenv("GROUPME_BOT_ID"), cfg.Notify.BotID)
	return nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var problems []string
	if strings.TrimSpace(cfg.InputPath) == "" {
		problems = append(problems, "input_path is required")
	}
	if cfg.WorkerCount <= 0 || cfg.WorkerCount > maxWorkerCount {
		problems = append(problems, fmt.Sprintf("worker_count must be between 1 and %d", maxWorkerCount))
	}
	if cfg.ItemTimeoutSec < 0 {
		problems = append(problems, "item_timeout_sec must not be negative")
	}
	if cfg.Memory.HistoryLimit <= 0 {
		problems = append(problems, "memory.history_limit must be positive")
	}
	switch cfg.Memory.Backend {
	case "file":
	case "redis":
		if strings.TrimSpace(cfg.Memory.RedisURL) == "" {
			problems = append(problems, "memory.redis_url is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("memory.backend must be file or redis (got %q)", cfg.Memory.Backend))
	}
	if cfg.Enrichment.MaxTokens <= 0 {
		problems = append(problems, "enrichment.max_tokens must be positive")
	}
	if cfg.Enrichment.TimeoutSec <= 0 {
		problems = append(problems, "enrichment.timeout_sec must be positive")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// clampInvalid resets out-of-range values to defaults after a non-strict
// validation failure.
func (cfg *Config) clampInvalid() {
	if strings.TrimSpace(cfg.InputPath) == "" {
		cfg.InputPath = filepath.Join(cfg.DataDir, defaultInputFile)
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.WorkerCount > maxWorkerCount {
		cfg.WorkerCount = maxWorkerCount
	}
	if cfg.ItemTimeoutSec < 0 {
		cfg.ItemTimeoutSec = 0
	}
	if cfg.Memory.HistoryLimit <= 0 {
		cfg.Memory.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Memory.Backend != "file" && (cfg.Memory.Backend != "redis" || strings.TrimSpace(cfg.Memory.RedisURL) == "") {
		cfg.Memory.Backend = defaultMemoryBackend
	}
	if cfg.Enrichment.MaxTokens <= 0 {
		cfg.Enrichment.MaxTokens = defaultMaxTokens
	}
	if cfg.Enrichment.TimeoutSec <= 0 {
		cfg.Enrichment.TimeoutSec = defaultLLMTimeoutSec
	}
}

func (cfg *Config) warnf(format string, args ...any) {
	cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(format, args...))
}

func applyMemoryOverrides(base MemoryConfig, override memoryFileConfig) MemoryConfig {
	if strings.TrimSpace(override.Backend) != "" {
		base.Backend = strings.ToLower(strings.TrimSpace(override.Backend))
	}
	if strings.TrimSpace(override.Dir) != "" {
		base.Dir = strings.TrimSpace(override.Dir)
	}
	if override.HistoryLimit != nil {
		base.HistoryLimit = *override.HistoryLimit
	}
	if strings.TrimSpace(override.RedisURL) != "" {
		base.RedisURL = strings.TrimSpace(override.RedisURL)
	}
	if strings.TrimSpace(override.RedisPrefix) != "" {
		base.RedisPrefix = strings.TrimSpace(override.RedisPrefix)
	}
	return base
}

func applyEnrichmentOverrides(base EnrichmentConfig, override enrichmentFileConfig) EnrichmentConfig {
	if override.Enabled != nil {
		base.Enabled = *override.Enabled
	}
	if strings.TrimSpace(override.Model) != "" {
		base.Model = strings.TrimSpace(override.Model)
	}
	if strings.TrimSpace(override.BaseURL) != "" {
		base.BaseURL = strings.TrimSpace(override.BaseURL)
	}
	if strings.TrimSpace(override.APIKey) != "" {
		base.APIKey = strings.TrimSpace(override.APIKey)
	}
	if override.Temperature != nil {
		base.Temperature = *override.Temperature
	}
	if override.MaxTokens != nil {
		base.MaxTokens = *override.MaxTokens
	}
	if override.TimeoutSec != nil {
		base.TimeoutSec = *override.TimeoutSec
	}
	if strings.TrimSpace(override.PromptVersion) != "" {
		base.PromptVersion = strings.TrimSpace(override.PromptVersion)
	}
	return base
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}

func parseFloatEnv(key string) (float64, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	return val, true, err
}
