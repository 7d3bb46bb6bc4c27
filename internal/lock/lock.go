// Package lock serialises work on a study across goroutines and replicas.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/pkg/errors"
)

var ErrLocked = errors.New("lock: study is being processed elsewhere")

// Locker hands out one lock per key. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func() error, error)
}

// New picks the distributed locker when rs is set and a process-local one
// otherwise.
func New(rs *redsync.Redsync) Locker {
	if rs == nil {
		return NewLocal()
	}
	return &Distributed{rs: rs, Expiry: 30 * time.Minute}
}

func mutexName(key string) string {
	return "mutex:study:" + key
}

type Distributed struct {
	rs     *redsync.Redsync
	Expiry time.Duration
}

func (d *Distributed) Lock(ctx context.Context, key string) (func() error, error) {
	m := d.rs.NewMutex(mutexName(key), redsync.WithExpiry(d.Expiry), redsync.WithTries(2))
	if err := m.LockContext(ctx); err != nil {
		return nil, errors.Wrap(ErrLocked, err.Error())
	}
	return func() error {
		_, err := m.UnlockContext(context.Background())
		return err
	}, nil
}

// Local fails fast when the key is already held, like Distributed does once
// its tries are exhausted.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Lock(ctx context.Context, key string) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	name := mutexName(key)
	if _, ok := l.held[name]; ok {
		return nil, ErrLocked
	}
	l.held[name] = struct{}{}

	var once sync.Once
	return func() error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
