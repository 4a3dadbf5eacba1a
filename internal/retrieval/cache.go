// internal/retrieval/cache.go
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"omnisearch/internal/media"
)

var ErrInvalidQuestionID = errors.New("question id is not usable as a file name")

// ValidateQuestionID rejects ids that are empty or would resolve outside the
// cache and image directories once joined into a file name.
func ValidateQuestionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\\\x00") || filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidQuestionID, id)
	}
	return nil
}

// Cache stores the best image hit per question id.
type Cache interface {
	Load(ctx context.Context, questionID string) (ImageHit, bool, error)
	Store(ctx context.Context, questionID string, hit ImageHit) error
	Name() string
}

// ==========================
// File backend
// ==========================

// FileCache keeps one JSON document per question id under dir. Writes for the
// same id are serialized and land through an atomic rename.
type FileCache struct {
	dir   string
	locks sync.Map
}

func NewFileCache(dir string) *FileCache {
	return &FileCache{dir: dir}
}

func (c *FileCache) Name() string { return "file" }

// Path returns the document path for questionID.
func (c *FileCache) Path(questionID string) string {
	return filepath.Join(c.dir, fmt.Sprintf("image_search_res_%s.json", questionID))
}

func (c *FileCache) lock(questionID string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(questionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (c *FileCache) Load(_ context.Context, questionID string) (ImageHit, bool, error) {
	if err := ValidateQuestionID(questionID); err != nil {
		return ImageHit{}, false, err
	}

	mu := c.lock(questionID)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(c.Path(questionID))
	if errors.Is(err, os.ErrNotExist) {
		return ImageHit{}, false, nil
	}
	if err != nil {
		return ImageHit{}, false, err
	}

	var hit ImageHit
	if err := json.Unmarshal(data, &hit); err != nil {
		return ImageHit{}, false, fmt.Errorf("decode %s: %w", c.Path(questionID), err)
	}
	return hit, true, nil
}

func (c *FileCache) Store(_ context.Context, questionID string, hit ImageHit) error {
	if err := ValidateQuestionID(questionID); err != nil {
		return err
	}

	data, err := json.Marshal(hit)
	if err != nil {
		return err
	}

	mu := c.lock(questionID)
	mu.Lock()
	defer mu.Unlock()

	return media.WriteFileAtomic(c.Path(questionID), data)
}

// ==========================
// Redis backend
// ==========================

// RedisCache keeps entries under prefix+questionID. A zero ttl keeps them forever.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Name() string { return "redis" }

func (c *RedisCache) key(questionID string) string {
	return c.prefix + questionID
}

func (c *RedisCache) Load(ctx context.Context, questionID string) (ImageHit, bool, error) {
	data, err := c.client.Get(ctx, c.key(questionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ImageHit{}, false, nil
	}
	if err != nil {
		return ImageHit{}, false, fmt.Errorf("redis get: %w", err)
	}

	var hit ImageHit
	if err := json.Unmarshal(data, &hit); err != nil {
		return ImageHit{}, false, fmt.Errorf("decode cached hit: %w", err)
	}
	return hit, true, nil
}

func (c *RedisCache) Store(ctx context.Context, questionID string, hit ImageHit) error {
	data, err := json.Marshal(hit)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(questionID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
