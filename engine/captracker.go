package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"teampoints/core"
)

// WeeklyReset is the reset interval used by MaybeWeeklyReset.
const WeeklyReset = 7 * 24 * time.Hour

const capStripes = 64

// CapTracker guards cap accumulators with striped locks so that the
// read-clamp-write for one (group, rule) key is atomic across goroutines.
type CapTracker struct {
	store   CapStore
	logger  *slog.Logger
	stripes [capStripes]sync.Mutex
}

// NewCapTracker creates a tracker persisting to store.
func NewCapTracker(store CapStore, logger *slog.Logger) *CapTracker {
	if store == nil {
		panic("NewCapTracker requires a cap store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CapTracker{store: store, logger: logger}
}

func stripeOf(key core.CapKey) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.GroupID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.Rule))
	return int(h.Sum32() % capStripes)
}

func (t *CapTracker) lock(keys []core.CapKey) []int {
	seen := map[int]struct{}{}
	var idx []int
	for _, k := range keys {
		i := stripeOf(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		t.stripes[i].Lock()
	}
	return idx
}

func (t *CapTracker) unlock(idx []int) {
	for i := len(idx) - 1; i >= 0; i-- {
		t.stripes[idx[i]].Unlock()
	}
}

// CurrentPoints returns the accumulated points for a key, 0 when absent.
func (t *CapTracker) CurrentPoints(ctx context.Context, group core.GroupID, rule string) (int64, error) {
	e, err := t.Entry(ctx, group, rule)
	if err != nil {
		return 0, err
	}
	return e.Points, nil
}

// LastReset returns the last reset instant for a key, the epoch when never reset.
func (t *CapTracker) LastReset(ctx context.Context, group core.GroupID, rule string) (time.Time, error) {
	e, err := t.Entry(ctx, group, rule)
	if err != nil {
		return time.Time{}, err
	}
	return e.LastResetOrEpoch(), nil
}

// Entry reads the accumulator and last reset of a key under its stripe lock.
func (t *CapTracker) Entry(ctx context.Context, group core.GroupID, rule string) (core.CapEntry, error) {
	key := core.CapKey{GroupID: group, Rule: rule}
	s := t.Begin([]core.CapKey{key})
	defer s.Release()
	return s.entry(ctx, key)
}

// ApplyDelta adds delta to the accumulator.
func (t *CapTracker) ApplyDelta(ctx context.Context, group core.GroupID, rule string, delta int64) error {
	return t.withSession(ctx, core.CapKey{GroupID: group, Rule: rule}, func(s *CapSession, key core.CapKey) error {
		return s.ApplyDelta(ctx, key, delta)
	})
}

// Reset removes the accumulator and records now as the last reset.
func (t *CapTracker) Reset(ctx context.Context, group core.GroupID, rule string, now time.Time) error {
	return t.withSession(ctx, core.CapKey{GroupID: group, Rule: rule}, func(s *CapSession, key core.CapKey) error {
		return s.Reset(key, now)
	})
}

// MaybeWeeklyReset resets the key when seven days have passed since the last reset.
func (t *CapTracker) MaybeWeeklyReset(ctx context.Context, group core.GroupID, rule string, now time.Time) (bool, error) {
	return t.MaybeReset(ctx, group, rule, now, WeeklyReset)
}

// MaybeReset resets the key when interval has elapsed since the last reset.
// A non-positive interval never resets.
func (t *CapTracker) MaybeReset(ctx context.Context, group core.GroupID, rule string, now time.Time, interval time.Duration) (bool, error) {
	var reset bool
	err := t.withSession(ctx, core.CapKey{GroupID: group, Rule: rule}, func(s *CapSession, key core.CapKey) error {
		var err error
		reset, err = s.MaybeReset(ctx, key, now, interval)
		return err
	})
	return reset, err
}

func (t *CapTracker) withSession(ctx context.Context, key core.CapKey, fn func(*CapSession, core.CapKey) error) error {
	s := t.Begin([]core.CapKey{key})
	defer s.Release()
	if err := fn(s, key); err != nil {
		return err
	}
	return s.Commit(ctx)
}

// Begin locks the stripes covering keys and returns a session that stages
// changes until Commit. Release must always be called.
func (t *CapTracker) Begin(keys []core.CapKey) *CapSession {
	held := make(map[core.CapKey]struct{}, len(keys))
	for _, k := range keys {
		held[k] = struct{}{}
	}
	return &CapSession{
		tracker: t,
		held:    held,
		stripes: t.lock(keys),
		staged:  map[core.CapKey]core.CapEntry{},
		orig:    map[core.CapKey]core.CapEntry{},
		dirty:   map[core.CapKey]struct{}{},
		checked: map[core.CapKey]struct{}{},
	}
}

// CapSession is a locked, staged view over a set of cap keys. It is owned by
// a single goroutine.
type CapSession struct {
	tracker  *CapTracker
	held     map[core.CapKey]struct{}
	stripes  []int
	staged   map[core.CapKey]core.CapEntry
	orig     map[core.CapKey]core.CapEntry
	applied  map[core.CapKey]core.CapEntry
	dirty    map[core.CapKey]struct{}
	checked  map[core.CapKey]struct{}
	released bool
}

func (s *CapSession) entry(ctx context.Context, key core.CapKey) (core.CapEntry, error) {
	if _, ok := s.held[key]; !ok {
		return core.CapEntry{}, fmt.Errorf("%w: cap key %s not locked", ErrConcurrentModification, key)
	}
	if e, ok := s.staged[key]; ok {
		return e, nil
	}
	e, err := s.load(ctx, key)
	if err != nil {
		return core.CapEntry{}, err
	}
	s.staged[key] = e
	return e, nil
}

// load reads key from the store and remembers the first value seen so
// Rollback can restore it.
func (s *CapSession) load(ctx context.Context, key core.CapKey) (core.CapEntry, error) {
	if e, ok := s.orig[key]; ok {
		return e, nil
	}
	e, err := s.tracker.store.Load(ctx, key)
	if err != nil {
		return core.CapEntry{}, err
	}
	s.orig[key] = e
	return e, nil
}

// CurrentPoints returns the staged accumulator for key.
func (s *CapSession) CurrentPoints(ctx context.Context, key core.CapKey) (int64, error) {
	e, err := s.entry(ctx, key)
	if err != nil {
		return 0, err
	}
	return e.Points, nil
}

// Set stores an absolute accumulator value.
func (s *CapSession) Set(ctx context.Context, key core.CapKey, points int64) error {
	e, err := s.entry(ctx, key)
	if err != nil {
		return err
	}
	e.Points, e.HasPoints = points, true
	s.staged[key] = e
	s.dirty[key] = struct{}{}
	return nil
}

// ApplyDelta adds delta to the staged accumulator.
func (s *CapSession) ApplyDelta(ctx context.Context, key core.CapKey, delta int64) error {
	cur, err := s.CurrentPoints(ctx, key)
	if err != nil {
		return err
	}
	next, err := core.AddSafe(cur, delta)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, next)
}

// Reset drops the accumulator and records now.
func (s *CapSession) Reset(key core.CapKey, now time.Time) error {
	if _, ok := s.held[key]; !ok {
		return fmt.Errorf("%w: cap key %s not locked", ErrConcurrentModification, key)
	}
	s.staged[key] = core.CapEntry{LastReset: now.UTC()}
	s.dirty[key] = struct{}{}
	return nil
}

// MaybeReset applies an elapsed-interval reset at most once per key per
// session; later calls for the same key report false.
func (s *CapSession) MaybeReset(ctx context.Context, key core.CapKey, now time.Time, interval time.Duration) (bool, error) {
	if _, done := s.checked[key]; done {
		return false, nil
	}
	e, err := s.entry(ctx, key)
	if err != nil {
		return false, err
	}
	s.checked[key] = struct{}{}
	if interval <= 0 || now.Sub(e.LastResetOrEpoch()) < interval {
		return false, nil
	}
	if err := s.Reset(key, now); err != nil {
		return false, err
	}
	s.tracker.logger.Debug("cap reset", slog.String("group", string(key.GroupID)), slog.String("rule", key.Rule))
	return true, nil
}

// Commit writes staged changes to the cap store. Until the session is
// released, Rollback can undo what Commit wrote.
func (s *CapSession) Commit(ctx context.Context) error {
	if len(s.dirty) == 0 {
		return nil
	}
	out := make(map[core.CapKey]core.CapEntry, len(s.dirty))
	for k := range s.dirty {
		if _, err := s.load(ctx, k); err != nil {
			return fmt.Errorf("commit caps: %w", err)
		}
		out[k] = s.staged[k]
	}
	if s.applied == nil {
		s.applied = map[core.CapKey]core.CapEntry{}
	}
	for k := range out {
		s.applied[k] = s.orig[k]
	}
	if err := s.tracker.store.Commit(ctx, out); err != nil {
		return fmt.Errorf("commit caps: %w", err)
	}
	s.dirty = map[core.CapKey]struct{}{}
	return nil
}

// Rollback restores the values the keys held before this session's commits.
// It is a no-op when nothing was committed.
func (s *CapSession) Rollback(ctx context.Context) error {
	if len(s.applied) == 0 {
		return nil
	}
	if err := s.tracker.store.Commit(ctx, s.applied); err != nil {
		return fmt.Errorf("roll back caps: %w", err)
	}
	s.applied = nil
	s.staged = map[core.CapKey]core.CapEntry{}
	s.dirty = map[core.CapKey]struct{}{}
	return nil
}

// Release unlocks the session's stripes. It is safe to call twice.
func (s *CapSession) Release() {
	if s.released {
		return
	}
	s.released = true
	s.tracker.unlock(s.stripes)
}
