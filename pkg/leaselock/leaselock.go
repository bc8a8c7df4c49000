// Package leaselock keeps two workers from assembling the same analysis
// window at the same time.
package leaselock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
)

var (
	ErrBusy = errors.New("lease lock busy")
	ErrLost = errors.New("lease lock lost")
)

// Locker runs fn while holding the lease on key. The context passed to fn is
// cancelled when the lease is lost.
type Locker interface {
	WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

const windowPrefix = "analysis:"

// Window is the analysis window a lease key stands for.
type Window = common.TimeRange

// WindowKey names the lease of an analysis window.
func WindowKey(tr common.TimeRange) string {
	return windowPrefix + tr.From.UTC().Format(time.RFC3339) + "/" + tr.To.UTC().Format(time.RFC3339)
}

// ParseWindowKey reverses WindowKey.
func ParseWindowKey(key string) (Window, error) {
	rest, ok := strings.CutPrefix(key, windowPrefix)
	if !ok {
		return Window{}, fmt.Errorf("not a window key: %q", key)
	}
	fromStr, toStr, ok := strings.Cut(rest, "/")
	if !ok {
		return Window{}, fmt.Errorf("not a window key: %q", key)
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	return Window{From: from.UTC(), To: to.UTC()}, nil
}

// Local is an in-process Locker for single-binary runs.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocal() *Local {
	return &Local{held: map[string]bool{}}
}

func (l *Local) WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return errors.New("lease lock key is empty")
	}
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return ErrBusy
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}
