package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLeaseBusy is returned when another request holds the session lease
// for the whole acquisition window.
var ErrLeaseBusy = errors.New("session lease busy")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// SessionLease serializes turns against the same conversation. Two
// concurrent requests for one conversation id would otherwise both
// observe missing resource ids and double-provision, or lose a log
// update to a stale read.
type SessionLease struct {
	redis    *redis.Client
	ttl      time.Duration
	pollGap  time.Duration
	maxWait  time.Duration
	keySpace string
}

type LeaseConfig struct {
	TTL     time.Duration
	PollGap time.Duration
	MaxWait time.Duration
}

func NewSessionLease(rdb *redis.Client, cfg LeaseConfig) *SessionLease {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.PollGap <= 0 {
		cfg.PollGap = 100 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	return &SessionLease{
		redis:    rdb,
		ttl:      cfg.TTL,
		pollGap:  cfg.PollGap,
		maxWait:  cfg.MaxWait,
		keySpace: "chatrelay:session:",
	}
}

// Acquire blocks until the conversation lease is held, the wait window
// elapses, or the context is cancelled. The returned release function
// only deletes the lease if this caller still owns it.
func (l *SessionLease) Acquire(ctx context.Context, conversationID string) (release func(), err error) {
	key := l.keySpace + conversationID
	token := newToken()
	deadline := time.Now().Add(l.maxWait)

	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire session lease: %w", err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_, _ = releaseScript.Run(releaseCtx, l.redis, []string{key}, token).Result()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLeaseBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollGap):
		}
	}
}

func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("lease-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
