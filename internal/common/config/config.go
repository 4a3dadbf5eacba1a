// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig               `mapstructure:"app"`
	Camunda       CamundaConfig           `mapstructure:"camunda"`
	Database      DatabaseConfig          `mapstructure:"database"`
	Workers       map[string]WorkerConfig `mapstructure:"workers"`
	Model         ModelConfig             `mapstructure:"model"`
	Search        SearchConfig            `mapstructure:"search"`
	Cache         CacheConfig             `mapstructure:"cache"`
	Conversation  ConversationConfig      `mapstructure:"conversation"`
	Runner        RunnerConfig            `mapstructure:"runner"`
	Notifications NotificationConfig      `mapstructure:"notifications"`
	Observability ObservabilityConfig     `mapstructure:"observability"`
	Logging       LoggingConfig           `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type CamundaConfig struct {
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	URL       string   `mapstructure:"url"` // Single URL for backwards compatibility
}

// GetAddresses returns Addresses, falling back to URL.
func (e ElasticsearchConfig) GetAddresses() []string {
	if len(e.Addresses) > 0 {
		return e.Addresses
	}
	if e.URL != "" {
		return []string{e.URL}
	}
	return nil
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig holds the core settings applicable to every zeebe worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

// --- Reasoning Loop Configuration ---

// ModelConfig selects and tunes the multimodal model client.
type ModelConfig struct {
	Provider    string  `mapstructure:"provider"` // "ollama" or "openai"
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Timeout     int     `mapstructure:"timeout"` // milliseconds, per attempt
	MaxRetries  int     `mapstructure:"max_retries"`

	OpenAI struct {
		BaseURL string `mapstructure:"base_url"`
		APIKey  string `mapstructure:"api_key"`
		Model   string `mapstructure:"model"`
	} `mapstructure:"openai"`

	Ollama struct {
		Host  string `mapstructure:"host"`
		Model string `mapstructure:"model"`
	} `mapstructure:"ollama"`
}

// SearchConfig selects the retrieval backend and its retry policy.
type SearchConfig struct {
	Provider   string `mapstructure:"provider"` // "duckduckgo", "custom_search" or "elasticsearch"
	MaxResults int    `mapstructure:"max_results"`
	MaxRetries int    `mapstructure:"max_retries"`
	RetryDelay int    `mapstructure:"retry_delay"` // milliseconds
	Timeout    int    `mapstructure:"timeout"`     // milliseconds
	UserAgent  string `mapstructure:"user_agent"`

	DuckDuckGo struct {
		TextURL    string `mapstructure:"text_url"`
		ImageURL   string `mapstructure:"image_url"`
		SafeSearch string `mapstructure:"safesearch"`
	} `mapstructure:"duckduckgo"`

	CustomSearch struct {
		BaseURL  string `mapstructure:"base_url"`
		APIKey   string `mapstructure:"api_key"`
		EngineID string `mapstructure:"engine_id"`
	} `mapstructure:"custom_search"`

	Elasticsearch struct {
		TextIndex  string `mapstructure:"text_index"`
		ImageIndex string `mapstructure:"image_index"`
	} `mapstructure:"elasticsearch"`
}

// CacheConfig selects the evidence cache backend.
type CacheConfig struct {
	Backend   string `mapstructure:"backend"` // "file" or "redis"
	Dir       string `mapstructure:"dir"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TTL       int    `mapstructure:"ttl"` // milliseconds, 0 keeps entries forever
}

// ConversationConfig bounds the reasoning loop.
type ConversationConfig struct {
	MaxTurns   int    `mapstructure:"max_turns"`
	ImageQuota int    `mapstructure:"image_quota"`
	PromptFile string `mapstructure:"prompt_file"`
}

// RunnerConfig drives the dataset batch runner.
type RunnerConfig struct {
	Dataset     string `mapstructure:"dataset"`
	DatasetName string `mapstructure:"dataset_name"`
	OutputDir   string `mapstructure:"output_dir"`
	Concurrency int    `mapstructure:"concurrency"`
	OpsAddress  string `mapstructure:"ops_address"`
}

// NotificationConfig holds settings for run-completion notifications.
type NotificationConfig struct {
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		Region   string `mapstructure:"region"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

// ObservabilityConfig holds tracing settings.
type ObservabilityConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
