package helper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// ErrLockHeld means another run owns the lock.
var ErrLockHeld = eris.New("run lock is held by another process")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock keeps two batch runs from overlapping across processes.
type RunLock struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

func NewRunLock(client *redis.Client, key string, ttl time.Duration) *RunLock {
	if key == "" {
		key = "story_filter:run_lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RunLock{Client: client, Key: key, TTL: ttl}
}

// Acquire returns a release func, or ErrLockHeld when the key is taken.
func (l *RunLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, l.Key, token, l.TTL).Result()
	if err != nil {
		return nil, eris.Wrap(err, "acquire run lock")
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.Client, []string{l.Key}, token).Err(); err != nil {
			return eris.Wrap(err, "release run lock")
		}
		return nil
	}
	return release, nil
}
