// Package liveness keeps the per-device ONLINE/OFFLINE table fed by LWT
// notices, status messages and ordinary device traffic.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-waterbridge/pkg/cache"
	"github.com/illmade-knight/go-waterbridge/pkg/types"
	"github.com/rs/zerolog"
)

// Record is the liveness state of one device. LastSeen never moves backwards.
type Record struct {
	DeviceID string               `json:"deviceId" firestore:"deviceId"`
	State    types.LivenessState  `json:"state" firestore:"state"`
	LastSeen time.Time            `json:"lastSeen" firestore:"lastSeen"`
	Source   types.LivenessSource `json:"source" firestore:"source"`
}

// Status converts the record to its outbound form.
func (r Record) Status() types.DeviceStatus {
	return types.DeviceStatus{DeviceID: r.DeviceID, State: r.State, LastSeen: r.LastSeen, Source: r.Source}
}

// Event is one observation about a device.
type Event struct {
	DeviceID string
	State    types.LivenessState
	At       time.Time
	Source   types.LivenessSource
}

// EmitFunc sends a status transition downstream.
type EmitFunc func(ctx context.Context, status types.DeviceStatus) error

// Recorder receives every accepted update for the health snapshot.
type Recorder interface {
	SetLiveness(status types.DeviceStatus)
}

// Store persists records so the stale guard survives restarts.
type Store = cache.PresenceCache[Record]

// Tracker applies events to the liveness table.
type Tracker struct {
	mu      sync.Mutex
	records map[string]Record
	// deviceLocks serialises Observe per device so store reads and writes
	// for one device cannot interleave.
	deviceLocks map[string]*sync.Mutex

	store        Store
	emit         EmitFunc
	recorder     Recorder
	storeTimeout time.Duration
	logger       zerolog.Logger
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithStore enables write-through persistence.
func WithStore(store Store) Option {
	return func(t *Tracker) { t.store = store }
}

// WithStoreTimeout bounds each store call. Default 5s.
func WithStoreTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.storeTimeout = d
		}
	}
}

// NewTracker creates a Tracker. emit and recorder may be nil.
func NewTracker(emit EmitFunc, recorder Recorder, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		records:      make(map[string]Record),
		deviceLocks:  make(map[string]*sync.Mutex),
		emit:         emit,
		recorder:     recorder,
		storeTimeout: 5 * time.Second,
		logger:       logger.With().Str("component", "LivenessTracker").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe applies ev. Events older than the device's LastSeen are ignored.
// It returns the device's record after the call and whether a state
// transition (including first contact) was emitted.
func (t *Tracker) Observe(ctx context.Context, ev Event) (Record, bool) {
	unlock := t.lockDevice(ev.DeviceID)
	defer unlock()

	current, known := t.current(ctx, ev.DeviceID)
	if known && ev.At.Before(current.LastSeen) {
		t.logger.Debug().Str("device_id", ev.DeviceID).Str("state", string(ev.State)).
			Time("event_at", ev.At).Time("last_seen", current.LastSeen).Msg("Ignoring stale liveness event.")
		return current, false
	}

	next := Record{DeviceID: ev.DeviceID, State: ev.State, LastSeen: ev.At, Source: ev.Source}
	transition := !known || current.State != ev.State

	t.mu.Lock()
	t.records[ev.DeviceID] = next
	t.mu.Unlock()

	if t.recorder != nil {
		t.recorder.SetLiveness(next.Status())
	}
	t.persist(ctx, next)

	if transition {
		t.logger.Info().Str("device_id", ev.DeviceID).Str("state", string(next.State)).Str("source", string(next.Source)).Msg("Device liveness changed.")
		if t.emit != nil {
			if err := t.emit(ctx, next.Status()); err != nil {
				t.logger.Error().Err(err).Str("device_id", ev.DeviceID).Msg("Failed to emit device status.")
			}
		}
	}
	return next, transition
}

// Restore loads every persisted record into the table without emitting
// anything, so the health snapshot lists known devices straight after a
// restart. Records already in memory win when they are newer.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	restored := 0
	err := t.store.Scan(ctx, func(deviceID string, r Record) error {
		t.mu.Lock()
		if cur, ok := t.records[deviceID]; ok && !r.LastSeen.After(cur.LastSeen) {
			t.mu.Unlock()
			return nil
		}
		t.records[deviceID] = r
		t.mu.Unlock()
		if t.recorder != nil {
			t.recorder.SetLiveness(r.Status())
		}
		restored++
		return nil
	})
	if err != nil {
		return restored, fmt.Errorf("failed to restore liveness records: %w", err)
	}
	t.logger.Info().Int("device_count", restored).Msg("Restored liveness records.")
	return restored, nil
}

// Get returns the in-memory record for deviceID.
func (t *Tracker) Get(deviceID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[deviceID]
	return r, ok
}

// Snapshot returns a copy of the in-memory table.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Record, len(t.records))
	for k, v := range t.records {
		out[k] = v
	}
	return out
}

func (t *Tracker) lockDevice(deviceID string) func() {
	t.mu.Lock()
	l, ok := t.deviceLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		t.deviceLocks[deviceID] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// current returns the in-memory record, loading it from the store on first
// contact. Store failures are logged and treated as a miss.
func (t *Tracker) current(ctx context.Context, deviceID string) (Record, bool) {
	if r, ok := t.Get(deviceID); ok {
		return r, true
	}
	if t.store == nil {
		return Record{}, false
	}

	fetchCtx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()
	r, err := t.store.Fetch(fetchCtx, deviceID)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			t.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to load liveness record, treating device as new.")
		}
		return Record{}, false
	}

	t.mu.Lock()
	t.records[deviceID] = r
	t.mu.Unlock()
	if t.recorder != nil {
		t.recorder.SetLiveness(r.Status())
	}
	return r, true
}

func (t *Tracker) persist(ctx context.Context, r Record) {
	if t.store == nil {
		return
	}
	setCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.storeTimeout)
	defer cancel()
	if err := t.store.Set(setCtx, r.DeviceID, r); err != nil {
		t.logger.Warn().Err(err).Str("device_id", r.DeviceID).Msg("Failed to persist liveness record.")
	}
}
