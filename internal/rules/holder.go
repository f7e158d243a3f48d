package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
)

var errWatchClosed = errors.New("rules: watch channel closed")

// ReloadObserver receives snapshot reload outcomes, typically for metrics.
type ReloadObserver interface {
	ObserveReload(outcome string, duration time.Duration)
}

// Holder owns the current Snapshot. Readers never block on reloads: they get
// whichever snapshot pointer is current, and reloads swap in a new value.
type Holder struct {
	reader   Reader
	logger   *slog.Logger
	observer ReloadObserver
	now      func() time.Time

	retryInitial time.Duration
	retryMax     time.Duration

	current atomic.Pointer[Snapshot]
	version atomic.Int64
	group   singleflight.Group
}

// HolderOption customises a Holder.
type HolderOption func(*Holder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) HolderOption {
	return func(h *Holder) {
		if now != nil {
			h.now = now
		}
	}
}

// WithReloadObserver attaches an observer for reload outcomes.
func WithReloadObserver(o ReloadObserver) HolderOption {
	return func(h *Holder) { h.observer = o }
}

// WithWatchRetry bounds the backoff between resubscription attempts in Watch.
func WithWatchRetry(initial, ceiling time.Duration) HolderOption {
	return func(h *Holder) {
		if initial > 0 {
			h.retryInitial = initial
		}
		if ceiling >= h.retryInitial {
			h.retryMax = ceiling
		}
	}
}

// NewHolder constructs a Holder reading from reader.
func NewHolder(reader Reader, logger *slog.Logger, opts ...HolderOption) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Holder{
		reader:       reader,
		logger:       logger,
		now:          time.Now,
		retryInitial: 500 * time.Millisecond,
		retryMax:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Current returns the loaded snapshot, loading it on first use.
func (h *Holder) Current(ctx context.Context) (*Snapshot, error) {
	if snap := h.current.Load(); snap != nil {
		return snap, nil
	}
	return h.Reload(ctx)
}

// Peek returns the current snapshot without loading; nil before the first load.
func (h *Holder) Peek() *Snapshot {
	return h.current.Load()
}

// Reload rebuilds the snapshot from the store. Concurrent callers share one
// load. On failure the previous snapshot stays in place. Actor overrides that
// were refreshed while the load ran are kept over the older values it read.
func (h *Holder) Reload(ctx context.Context) (*Snapshot, error) {
	v, err, _ := h.group.Do("reload", func() (interface{}, error) {
		start := h.now()
		snap, err := h.load(ctx)
		h.observe(err, h.now().Sub(start))
		if err != nil {
			return nil, err
		}
		for {
			cur := h.current.Load()
			next := snap.adoptNewerActors(cur)
			next.Version = h.version.Add(1)
			if h.current.CompareAndSwap(cur, next) {
				return next, nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// EnsureActor returns a snapshot that contains the actor's overrides, loading
// them if this is the first decision for the actor.
func (h *Holder) EnsureActor(ctx context.Context, userID string) (*Snapshot, error) {
	snap, err := h.Current(ctx)
	if err != nil {
		return nil, err
	}
	if userID == "" || snap.HasActor(userID) {
		return snap, nil
	}
	return h.refreshActor(ctx, userID, false)
}

// RefreshActor re-reads the actor's overrides and swaps in a snapshot that
// carries them. Used on login, acting-session changes and override change
// events. It never joins a read that started before the call.
func (h *Holder) RefreshActor(ctx context.Context, userID string) (*Snapshot, error) {
	if userID == "" {
		return h.Current(ctx)
	}
	return h.refreshActor(ctx, userID, true)
}

func (h *Holder) refreshActor(ctx context.Context, userID string, fresh bool) (*Snapshot, error) {
	key := "actor:" + userID
	if fresh {
		h.group.Forget(key)
	}
	v, err, _ := h.group.Do(key, func() (interface{}, error) {
		seq := h.version.Add(1)
		list, err := h.reader.OverridesForUser(ctx, userID, h.now())
		if err != nil {
			return nil, fmt.Errorf("rules: overrides for %s: %w", userID, err)
		}
		for {
			base, err := h.Current(ctx)
			if err != nil {
				return nil, err
			}
			if base.fetched[userID] > seq {
				return base, nil
			}
			next := base.withActor(h.version.Add(1), userID, list, seq)
			if h.current.CompareAndSwap(base, next) {
				return next, nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Watch applies change events until ctx is cancelled. A failed or closed
// subscription is retried with exponential backoff, and each resubscription
// is followed by a full reload since events may have been missed meanwhile.
func (h *Holder) Watch(ctx context.Context, w Watcher) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = h.retryInitial
	retry.MaxInterval = h.retryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	for attempt := 0; ; attempt++ {
		subscribed, err := h.watchOnce(ctx, w, attempt > 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			retry.Reset()
		}
		delay := retry.NextBackOff()
		h.logger.Warn("rules watch interrupted", slog.Duration("retry_in", delay), slog.Any("error", err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (h *Holder) watchOnce(ctx context.Context, w Watcher, resync bool) (bool, error) {
	events, err := w.Watch(ctx)
	if err != nil {
		return false, fmt.Errorf("rules: watch: %w", err)
	}
	if resync {
		if _, err := h.Reload(ctx); err != nil {
			h.logger.Warn("rules resync after resubscribe", slog.Any("error", err))
		}
	}
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return true, errWatchClosed
			}
			h.apply(ctx, ev)
		}
	}
}

func (h *Holder) apply(ctx context.Context, ev ChangeEvent) {
	if ev.Table == TableOverrides && ev.UserID != "" {
		if !h.Peek().HasActor(ev.UserID) {
			return
		}
		if _, err := h.RefreshActor(ctx, ev.UserID); err != nil {
			h.logger.Warn("rules refresh actor", slog.String("user_id", ev.UserID), slog.Any("error", err))
		}
		return
	}
	if _, err := h.Reload(ctx); err != nil {
		h.logger.Warn("rules reload", slog.String("table", string(ev.Table)), slog.Any("error", err))
	}
}

func (h *Holder) load(ctx context.Context) (*Snapshot, error) {
	roles := access.Roles()
	matrix := make([][]MatrixEntry, len(roles))
	legacy := make([][]RolePermission, len(roles))
	actors := h.Peek().Actors()
	overrides := make([][]UserOverride, len(actors))
	var policies []Policy
	var conflicts []Conflict
	now := h.now()
	seq := h.version.Add(1)

	g, gctx := errgroup.WithContext(ctx)
	for i, role := range roles {
		i, role := i, role
		g.Go(func() error {
			rows, err := h.reader.MatrixForRole(gctx, string(role))
			if err != nil {
				return fmt.Errorf("rules: matrix for %s: %w", role, err)
			}
			matrix[i] = rows
			return nil
		})
		g.Go(func() error {
			rows, err := h.reader.RolePermissions(gctx, string(role))
			if err != nil {
				return fmt.Errorf("rules: role permissions for %s: %w", role, err)
			}
			legacy[i] = rows
			return nil
		})
	}
	for i, userID := range actors {
		i, userID := i, userID
		g.Go(func() error {
			rows, err := h.reader.OverridesForUser(gctx, userID, now)
			if err != nil {
				return fmt.Errorf("rules: overrides for %s: %w", userID, err)
			}
			overrides[i] = rows
			return nil
		})
	}
	g.Go(func() error {
		rows, err := h.reader.ActivePolicies(gctx)
		if err != nil {
			return fmt.Errorf("rules: active policies: %w", err)
		}
		policies = rows
		return nil
	})
	g.Go(func() error {
		rows, err := h.reader.UnresolvedConflicts(gctx)
		if err != nil {
			return fmt.Errorf("rules: unresolved conflicts: %w", err)
		}
		conflicts = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data := SnapshotData{
		Policies:  policies,
		Conflicts: conflicts,
		Overrides: make(map[string][]UserOverride, len(actors)),
	}
	for i := range roles {
		data.Matrix = append(data.Matrix, matrix[i]...)
		data.RolePermissions = append(data.RolePermissions, legacy[i]...)
	}
	for i, userID := range actors {
		data.Overrides[userID] = overrides[i]
	}
	snap := NewSnapshot(seq, now, data)
	for _, userID := range actors {
		snap.fetched[userID] = seq
	}
	return snap, nil
}

func (h *Holder) observe(err error, d time.Duration) {
	if err != nil {
		h.logger.Error("rules snapshot load", slog.Any("error", err))
	}
	if h.observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	h.observer.ObserveReload(outcome, d)
}
