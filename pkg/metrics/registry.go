// Package metrics holds the bridge's counters and state tables. Each component
// writes its own counters; readers only ever see an immutable Snapshot.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-waterbridge/pkg/types"
)

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	TakenAt time.Time `json:"takenAt"`

	Received          uint64            `json:"received"`
	Validated         uint64            `json:"validated"`
	Rejected          uint64            `json:"rejected"`
	RejectedByReason  map[string]uint64 `json:"rejectedByReason"`
	ParametersInvalid uint64            `json:"parametersInvalid"`
	Published         uint64            `json:"published"`
	Failed            uint64            `json:"failed"`
	Deferred          uint64            `json:"deferred"`
	Retries           uint64            `json:"retries"`
	Flushes           uint64            `json:"flushes"`
	Dropped           uint64            `json:"dropped"`
	ListenerDropped   uint64            `json:"listenerDropped"`
	LostOnShutdown    uint64            `json:"lostOnShutdown"`
	Reconnects        uint64            `json:"reconnects"`

	BufferOccupancy map[string]int                `json:"bufferOccupancy"`
	BreakerPhase    map[string]string             `json:"breakerPhase"`
	Liveness        map[string]types.DeviceStatus `json:"liveness"`
}

// Registry is the single owned metrics object for a bridge instance.
type Registry struct {
	received          atomic.Uint64
	validated         atomic.Uint64
	parametersInvalid atomic.Uint64
	published         atomic.Uint64
	failed            atomic.Uint64
	deferred          atomic.Uint64
	retries           atomic.Uint64
	flushes           atomic.Uint64
	dropped           atomic.Uint64
	listenerDropped   atomic.Uint64
	lostOnShutdown    atomic.Uint64
	reconnects        atomic.Uint64

	mu           sync.RWMutex
	rejected     map[string]uint64
	occupancy    map[string]int
	breakerPhase map[string]string
	liveness     map[string]types.DeviceStatus

	descs descriptors
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rejected:     make(map[string]uint64),
		occupancy:    make(map[string]int),
		breakerPhase: make(map[string]string),
		liveness:     make(map[string]types.DeviceStatus),
		descs:        newDescriptors(),
	}
}

func (r *Registry) IncReceived()               { r.received.Add(1) }
func (r *Registry) IncValidated()              { r.validated.Add(1) }
func (r *Registry) AddParametersInvalid(n int) { r.parametersInvalid.Add(uint64(n)) }
func (r *Registry) AddPublished(n int)         { r.published.Add(uint64(n)) }
func (r *Registry) AddFailed(n int)            { r.failed.Add(uint64(n)) }
func (r *Registry) AddDeferred(n int)          { r.deferred.Add(uint64(n)) }
func (r *Registry) IncRetries()                { r.retries.Add(1) }
func (r *Registry) IncFlushes()                { r.flushes.Add(1) }
func (r *Registry) AddDropped(n int)           { r.dropped.Add(uint64(n)) }
func (r *Registry) IncListenerDropped()        { r.listenerDropped.Add(1) }
func (r *Registry) AddLostOnShutdown(n int)    { r.lostOnShutdown.Add(uint64(n)) }
func (r *Registry) IncReconnects()             { r.reconnects.Add(1) }

// IncRejected counts a message dropped by validation under the given reason.
func (r *Registry) IncRejected(reason string) {
	r.mu.Lock()
	r.rejected[reason]++
	r.mu.Unlock()
}

// SetBufferOccupancy records the current size of a topic buffer.
func (r *Registry) SetBufferOccupancy(topic string, n int) {
	r.mu.Lock()
	r.occupancy[topic] = n
	r.mu.Unlock()
}

// SetBreakerPhase records the phase of the breaker guarding a topic.
func (r *Registry) SetBreakerPhase(topic, phase string) {
	r.mu.Lock()
	r.breakerPhase[topic] = phase
	r.mu.Unlock()
}

// SetLiveness records the latest liveness state of a device.
func (r *Registry) SetLiveness(status types.DeviceStatus) {
	r.mu.Lock()
	r.liveness[status.DeviceID] = status
	r.mu.Unlock()
}

// Snapshot returns a copy that is safe to hold and serialize.
func (r *Registry) Snapshot() Snapshot {
	s := Snapshot{
		TakenAt:           time.Now().UTC(),
		Received:          r.received.Load(),
		Validated:         r.validated.Load(),
		ParametersInvalid: r.parametersInvalid.Load(),
		Published:         r.published.Load(),
		Failed:            r.failed.Load(),
		Deferred:          r.deferred.Load(),
		Retries:           r.retries.Load(),
		Flushes:           r.flushes.Load(),
		Dropped:           r.dropped.Load(),
		ListenerDropped:   r.listenerDropped.Load(),
		LostOnShutdown:    r.lostOnShutdown.Load(),
		Reconnects:        r.reconnects.Load(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	s.RejectedByReason = make(map[string]uint64, len(r.rejected))
	for k, v := range r.rejected {
		s.RejectedByReason[k] = v
		s.Rejected += v
	}
	s.BufferOccupancy = make(map[string]int, len(r.occupancy))
	for k, v := range r.occupancy {
		s.BufferOccupancy[k] = v
	}
	s.BreakerPhase = make(map[string]string, len(r.breakerPhase))
	for k, v := range r.breakerPhase {
		s.BreakerPhase[k] = v
	}
	s.Liveness = make(map[string]types.DeviceStatus, len(r.liveness))
	for k, v := range r.liveness {
		s.Liveness[k] = v
	}
	return s
}

// sortedKeys gives deterministic label ordering for the Prometheus collector.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
