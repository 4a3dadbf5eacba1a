// internal/workers/ai-conversation/manage-conversation/config.go
package manageconversation

import (
	"time"

	"omnisearch/internal/common/config"
)

type Config struct {
	Timeout  time.Duration
	MaxTurns int
}

// LoadConfig reads the worker's job timeout from the workers section and the
// default turn limit from the conversation section.
func LoadConfig(cfg *config.Config) *Config {
	c := &Config{
		Timeout:  5 * time.Minute,
		MaxTurns: 5,
	}
	if cfg == nil {
		return c
	}
	if wc := config.GetWorkerConfig(cfg, TaskType); wc.Timeout > 0 {
		c.Timeout = config.GetDuration(wc.Timeout)
	}
	if cfg.Conversation.MaxTurns > 0 {
		c.MaxTurns = cfg.Conversation.MaxTurns
	}
	return c
}
