package leaselock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options tune lease timing. Zero values take the defaults of withDefaults.
type Options struct {
	// TTL is how long a lease survives without renewal, e.g. after a crash.
	TTL        time.Duration
	RenewEvery time.Duration

	// Wait makes Acquire poll until the window is free instead of failing
	// with ErrBusy.
	Wait         bool
	WaitInterval time.Duration
	WaitJitter   time.Duration

	// Holder prefixes the lease token, e.g. the worker name.
	Holder string
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.RenewEvery <= 0 || o.RenewEvery >= o.TTL {
		o.RenewEvery = max(o.TTL/2, time.Second)
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = 250 * time.Millisecond
	}
	o.WaitJitter = max(o.WaitJitter, 0)
	return o
}

// Client is a Locker backed by the analysis_leases table.
type Client struct {
	db   dbConn
	opts Options
}

var _ Locker = (*Client)(nil)

// New accepts a *pgxpool.Pool or any connection with the same methods.
func New(db dbConn, opts Options) *Client {
	return &Client{db: db, opts: opts.withDefaults()}
}

// Lease is a held window. Context is cancelled once the lease is released or
// lost; the cause is ErrLost in the second case.
type Lease struct {
	Key     string
	Token   string
	Context context.Context

	client *Client
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	expiresAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// ExpiresAt is the expiry last confirmed by the database.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

func (c *Client) WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lease, err := c.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		_ = lease.Release(context.Background())
	}()

	err = fn(lease.Context)
	if err != nil && errors.Is(context.Cause(lease.Context), ErrLost) {
		return errors.Join(err, ErrLost)
	}
	return err
}

// Acquire takes the lease on key. An expired lease of another holder is taken
// over. Without Options.Wait a live lease of another holder yields ErrBusy.
func (c *Client) Acquire(ctx context.Context, key string) (*Lease, error) {
	if key == "" {
		return nil, errors.New("lease lock key is empty")
	}
	suffix, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	token := c.opts.Holder + suffix

	var expires time.Time
	for {
		var ok bool
		expires, ok, err = c.tryAcquire(ctx, key, token)
		if err != nil {
			return nil, fmt.Errorf("acquire lease %s: %w", key, err)
		}
		if ok {
			break
		}
		if !c.opts.Wait {
			return nil, ErrBusy
		}
		if err := sleepWithJitter(ctx, c.opts.WaitInterval, c.opts.WaitJitter); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		Key:       key,
		Token:     token,
		Context:   leaseCtx,
		client:    c,
		cancel:    cancel,
		expiresAt: expires,
		stopCh:    make(chan struct{}),
	}
	logger.Debug("[Lease] Acquired", "key", key, "token", token, "expires", expires)

	go l.renewLoop()
	return l, nil
}

func (c *Client) tryAcquire(ctx context.Context, key, token string) (time.Time, bool, error) {
	var expires time.Time
	err := c.db.QueryRow(ctx, tryAcquireSQL, key, token, c.opts.TTL.Milliseconds()).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return expires, true, nil
}

// Release ends the lease. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.cancel(context.Canceled)
	})
	_, err := l.client.db.Exec(ctx, releaseSQL, l.Key, l.Token)
	return err
}

func (l *Lease) renewLoop() {
	t := time.NewTicker(l.client.opts.RenewEvery)
	defer t.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-l.Context.Done():
			return
		case <-t.C:
			if err := l.renew(); err != nil {
				logger.Warn("[Lease] Lost", "key", l.Key, "err", err)
				l.cancel(ErrLost)
				return
			}
		}
	}
}

// renew extends the lease, retrying transient errors twice. A missing row
// means another holder took over.
func (l *Lease) renew() error {
	var lastErr error
	for attempt := range 3 {
		if attempt > 0 {
			if err := sleepWithJitter(l.Context, 200*time.Millisecond, 0); err != nil {
				return err
			}
		}
		ctx, cancel := context.WithTimeout(l.Context, 15*time.Second)
		var expires time.Time
		err := l.client.db.QueryRow(ctx, renewSQL, l.Key, l.Token, l.client.opts.TTL.Milliseconds()).Scan(&expires)
		cancel()
		switch {
		case err == nil:
			l.mu.Lock()
			l.expiresAt = expires
			l.mu.Unlock()
			return nil
		case errors.Is(err, pgx.ErrNoRows):
			return ErrLost
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %w", ErrLost, lastErr)
}

// Held describes a live lease row.
type Held struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
	// Window is set for analysis window keys.
	Window *Window `json:"window,omitempty"`
}

// Active lists leases that have not expired, ordered by key.
func (c *Client) Active(ctx context.Context) ([]Held, error) {
	rows, err := c.db.Query(ctx, activeLeasesSQL)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Held, error) {
		var h Held
		if err := row.Scan(&h.Key, &h.Holder, &h.ExpiresAt); err != nil {
			return h, err
		}
		h.ExpiresAt = h.ExpiresAt.UTC()
		if w, err := ParseWindowKey(h.Key); err == nil {
			h.Window = &w
		}
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan leases: %w", err)
	}
	return out, nil
}

func sleepWithJitter(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(jitter) + 1))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// A lease is taken when absent, expired, or already ours.
const tryAcquireSQL = `
INSERT INTO analysis_leases (lease_key, holder, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (lease_key) DO UPDATE
SET holder     = EXCLUDED.holder,
    expires_at = EXCLUDED.expires_at
WHERE analysis_leases.expires_at < now()
   OR analysis_leases.holder = EXCLUDED.holder
RETURNING expires_at
`

const renewSQL = `
UPDATE analysis_leases
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE lease_key = $1 AND holder = $2
RETURNING expires_at
`

const releaseSQL = `
DELETE FROM analysis_leases
WHERE lease_key = $1 AND holder = $2
`

const activeLeasesSQL = `
SELECT lease_key, holder, expires_at
FROM analysis_leases
WHERE expires_at >= now()
ORDER BY lease_key
`
