// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"dataset":      "runner.dataset",
	"dataset-name": "runner.dataset_name",
	"output-dir":   "runner.output_dir",
	"concurrency":  "runner.concurrency",
	"ops-address":  "runner.ops_address",
	"model":        "model.provider",
	"search":       "search.provider",
	"cache":        "cache.backend",
	"log-level":    "logging.level",
}

// Load reads configs/config.yaml, merges config.<APP_ENVIRONMENT>.yaml on top,
// then applies environment overrides, defaults and validation.
func Load() (*Config, error) {
	return LoadWithFlags(nil)
}

// LoadWithFlags behaves like Load and additionally binds any parsed flags
// whose names appear in flagKeys. Explicitly set flags win over files and env.
func LoadWithFlags(fs *pflag.FlagSet) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // optional

	if err := bindFlags(v, fs); err != nil {
		return nil, err
	}

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Float settings where zero is meaningful cannot go through applyDefaults.
	v.SetDefault("model.temperature", 0.1)
	v.SetDefault("model.top_p", 1.0)
	return v
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	if fs == nil {
		return nil
	}
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// expandEnvVars replaces ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			if expanded := os.ExpandEnv(strVal); expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills still-empty secrets and endpoints from the
// environment variable names the model and search tooling conventionally use.
func overrideEmptyConfig(cfg *Config) {
	setIfEmpty := func(dst *string, envKey string) {
		if *dst != "" {
			return
		}
		if val := os.Getenv(envKey); val != "" {
			*dst = val
		}
	}

	// Model clients: explicit env wins over file values for the model name
	// and host, matching how the vision tooling is usually pointed at a server.
	if val := os.Getenv("OPENAI_MODEL"); val != "" {
		cfg.Model.OpenAI.Model = val
	}
	if val := os.Getenv("OLLAMA_HOST"); val != "" {
		cfg.Model.Ollama.Host = val
	}
	if val := os.Getenv("OLLAMA_VISION_MODEL"); val != "" {
		cfg.Model.Ollama.Model = val
	}
	setIfEmpty(&cfg.Model.OpenAI.APIKey, "OPENAI_API_KEY")

	setIfEmpty(&cfg.Search.CustomSearch.APIKey, "WEB_SEARCH_API_KEY")
	setIfEmpty(&cfg.Search.CustomSearch.EngineID, "WEB_SEARCH_ENGINE_ID")

	setIfEmpty(&cfg.Database.Postgres.User, "DB_USER")
	setIfEmpty(&cfg.Database.Postgres.Password, "DB_PASSWORD")
	setIfEmpty(&cfg.Database.Redis.Password, "REDIS_PASSWORD")
	setIfEmpty(&cfg.Notifications.SNS.TopicARN, "SNS_TOPIC_ARN")
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "omnisearch"
	}

	// Camunda defaults
	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 10
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 30000
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 30000
	}

	// Database defaults
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	// Model defaults
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "ollama"
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = 4096
	}
	if cfg.Model.Timeout == 0 {
		cfg.Model.Timeout = 120000
	}
	if cfg.Model.MaxRetries == 0 {
		cfg.Model.MaxRetries = 3
	}
	if cfg.Model.OpenAI.BaseURL == "" {
		cfg.Model.OpenAI.BaseURL = "https://api.openai.com"
	}
	if cfg.Model.OpenAI.Model == "" {
		cfg.Model.OpenAI.Model = "gpt-4o"
	}
	if cfg.Model.Ollama.Host == "" {
		cfg.Model.Ollama.Host = "http://localhost:11434"
	}
	if cfg.Model.Ollama.Model == "" {
		cfg.Model.Ollama.Model = "llama3.2-vision"
	}

	// Search defaults
	if cfg.Search.Provider == "" {
		cfg.Search.Provider = "duckduckgo"
	}
	if cfg.Search.MaxResults == 0 {
		cfg.Search.MaxResults = 5
	}
	if cfg.Search.MaxRetries == 0 {
		cfg.Search.MaxRetries = 5
	}
	if cfg.Search.RetryDelay == 0 {
		cfg.Search.RetryDelay = 2000
	}
	if cfg.Search.Timeout == 0 {
		cfg.Search.Timeout = 15000
	}
	if cfg.Search.UserAgent == "" {
		cfg.Search.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if cfg.Search.DuckDuckGo.TextURL == "" {
		cfg.Search.DuckDuckGo.TextURL = "https://lite.duckduckgo.com/lite/"
	}
	if cfg.Search.DuckDuckGo.ImageURL == "" {
		cfg.Search.DuckDuckGo.ImageURL = "https://duckduckgo.com"
	}
	if cfg.Search.DuckDuckGo.SafeSearch == "" {
		cfg.Search.DuckDuckGo.SafeSearch = "off"
	}
	if cfg.Search.CustomSearch.BaseURL == "" {
		cfg.Search.CustomSearch.BaseURL = "https://www.googleapis.com/customsearch/v1"
	}
	if cfg.Search.Elasticsearch.TextIndex == "" {
		cfg.Search.Elasticsearch.TextIndex = "documents"
	}
	if cfg.Search.Elasticsearch.ImageIndex == "" {
		cfg.Search.Elasticsearch.ImageIndex = "images"
	}

	// Cache defaults
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "file"
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "omnisearch:evidence:"
	}

	// Conversation defaults
	if cfg.Conversation.MaxTurns == 0 {
		cfg.Conversation.MaxTurns = 5
	}
	if cfg.Conversation.ImageQuota == 0 {
		cfg.Conversation.ImageQuota = 9
	}

	// Runner defaults
	if cfg.Runner.DatasetName == "" {
		cfg.Runner.DatasetName = "default"
	}
	if cfg.Runner.OutputDir == "" {
		cfg.Runner.OutputDir = "./docs"
	}
	if cfg.Runner.Concurrency == 0 {
		cfg.Runner.Concurrency = 4
	}
	if cfg.Runner.OpsAddress == "" {
		cfg.Runner.OpsAddress = ":8080"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = cfg.App.Name
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	for key, worker := range cfg.Workers {
		if worker.MaxJobsActive == 0 {
			worker.MaxJobsActive = 5
		}
		if worker.Timeout == 0 {
			worker.Timeout = 300000
		}
		if worker.MaxRetries == 0 {
			worker.MaxRetries = 3
		}
		cfg.Workers[key] = worker
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	switch cfg.Model.Provider {
	case "ollama":
		if cfg.Model.Ollama.Host == "" {
			return fmt.Errorf("model.ollama.host is required")
		}
	case "openai":
		if cfg.Model.OpenAI.APIKey == "" {
			return fmt.Errorf("model.openai.api_key is required when model.provider is openai")
		}
	default:
		return fmt.Errorf("unsupported model.provider %q", cfg.Model.Provider)
	}

	switch cfg.Search.Provider {
	case "duckduckgo":
	case "custom_search":
		if cfg.Search.CustomSearch.APIKey == "" || cfg.Search.CustomSearch.EngineID == "" {
			return fmt.Errorf("search.custom_search.api_key and engine_id are required")
		}
	case "elasticsearch":
		if len(cfg.Database.Elasticsearch.GetAddresses()) == 0 {
			return fmt.Errorf("database.elasticsearch.addresses or url is required")
		}
	default:
		return fmt.Errorf("unsupported search.provider %q", cfg.Search.Provider)
	}

	switch cfg.Cache.Backend {
	case "file":
	case "redis":
		if cfg.Database.Redis.Address == "" {
			return fmt.Errorf("database.redis.address is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("unsupported cache.backend %q", cfg.Cache.Backend)
	}

	if cfg.Database.Postgres.Enabled {
		if cfg.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if cfg.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
		if cfg.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}
	}

	if cfg.Notifications.SNS.Enabled && cfg.Notifications.SNS.TopicARN == "" {
		return fmt.Errorf("notifications.sns.topic_arn is required when sns is enabled")
	}

	if cfg.Conversation.MaxTurns < 0 || cfg.Conversation.ImageQuota < 0 {
		return fmt.Errorf("conversation.max_turns and image_quota must not be negative")
	}
	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// GetWorkerConfig retrieves worker-specific configuration with fallback to defaults
func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker
	}
	return WorkerConfig{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       300000,
		MaxRetries:    3,
	}
}

// IsWorkerEnabled checks if a specific worker is enabled
func IsWorkerEnabled(cfg *Config, workerName string) bool {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker.Enabled
	}
	return true
}
