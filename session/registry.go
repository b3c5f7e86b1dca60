package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/live-relay/gemini"
)

var (
	// ErrDuplicateConfig is returned when a client sends a second config frame
	ErrDuplicateConfig = errors.New("session already configured")

	// ErrNoActiveSession is returned for media frames sent before config
	ErrNoActiveSession = errors.New("no active session")

	// ErrRegistryFull is returned when the upstream session cap is reached
	ErrRegistryFull = errors.New("maximum sessions reached")

	// ErrConnectionClosed is returned when the client went away during setup
	ErrConnectionClosed = errors.New("client connection closed")
)

const (
	activeSessionsKey = "active_sessions"
	redisTimeout      = 2 * time.Second
)

// RegistryOptions configures a Registry
type RegistryOptions struct {
	MaxSessions int
	Redis       *redis.Client // optional mirror of active sessions
	SessionTTL  time.Duration
	Logger      logrus.FieldLogger
}

// Registry maps client ids to their upstream sessions. It exists only so a
// client disconnect can find and close the matching Gemini session.
type Registry struct {
	sessions    map[string]Upstream
	mu          sync.RWMutex
	redis       *redis.Client
	maxSessions int
	ttl         time.Duration
	log         logrus.FieldLogger
}

// NewRegistry creates an empty registry
func NewRegistry(opts RegistryOptions) *Registry {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		sessions:    make(map[string]Upstream),
		redis:       opts.Redis,
		maxSessions: opts.MaxSessions,
		ttl:         opts.SessionTTL,
		log:         log,
	}
}

// ConnectRedis opens the mirror client. An empty addr disables mirroring.
func ConnectRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Put registers the upstream session of a client
func (r *Registry) Put(id string, upstream Upstream) error {
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return ErrDuplicateConfig
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return ErrRegistryFull
	}
	r.sessions[id] = upstream
	r.mu.Unlock()

	r.mirrorPut(id, upstream.Config())
	return nil
}

// Get returns the upstream session of a client
func (r *Registry) Get(id string) (Upstream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	upstream, exists := r.sessions[id]
	return upstream, exists
}

// Remove drops the entry of a client and closes its upstream session.
// It reports whether an entry was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	upstream, exists := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !exists {
		return false
	}

	if err := upstream.Close(); err != nil {
		r.log.WithError(err).WithField("session", ShortID(id)).Debug("Gemini close returned an error")
	}
	r.mirrorRemove(id)
	return true
}

// Count returns current session count
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every upstream session, used on shutdown
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]Upstream)
	r.mu.Unlock()

	for id, upstream := range sessions {
		_ = upstream.Close()
		r.mirrorRemove(id)
	}

	r.mu.Lock()
	client := r.redis
	r.redis = nil
	r.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

func (r *Registry) redisClient() *redis.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.redis
}

func (r *Registry) mirrorPut(id string, cfg gemini.SessionConfig) {
	client := r.redisClient()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	key := "session:" + id
	pipe := client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"created_at": time.Now().Format(time.RFC3339),
		"model":      cfg.Model,
		"voice":      cfg.Voice,
		"status":     "active",
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	pipe.SAdd(ctx, activeSessionsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.WithError(err).WithField("session", ShortID(id)).Warn("⚠️ Failed to mirror session to Redis")
	}
}

func (r *Registry) mirrorRemove(id string) {
	client := r.redisClient()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	pipe := client.TxPipeline()
	pipe.Del(ctx, "session:"+id)
	pipe.SRem(ctx, activeSessionsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.WithError(err).WithField("session", ShortID(id)).Warn("⚠️ Failed to remove session from Redis")
	}
}

// ShortID is the id prefix used in log fields
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
