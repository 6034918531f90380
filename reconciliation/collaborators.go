package reconciliation

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// DATA SOURCE
// =============================================================================

// DataSource supplies a point-in-time reading of a district's figures.
// It is called once per tick.
type DataSource interface {
	GetCurrentReading(ctx context.Context, districtID string) (Reading, error)
}

// DataSourceFunc adapts a function to DataSource.
type DataSourceFunc func(ctx context.Context, districtID string) (Reading, error)

func (f DataSourceFunc) GetCurrentReading(ctx context.Context, districtID string) (Reading, error) {
	return f(ctx, districtID)
}

// =============================================================================
// LOCKER - Keeps ticks for the same job from overlapping
// =============================================================================

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker obtains non-blocking, key-scoped locks. Obtain returns
// ErrTickInProgress when the key is already held.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// KeyedLocker is an in-process Locker. The ttl is ignored: the lock lives
// until released.
type KeyedLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{held: make(map[string]struct{})}
}

func (l *KeyedLocker) Obtain(_ context.Context, key string, _ time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrTickInProgress
	}
	l.held[key] = struct{}{}
	return &keyedLock{parent: l, key: key}, nil
}

type keyedLock struct {
	parent *KeyedLocker
	key    string
	once   sync.Once
}

func (k *keyedLock) Release(_ context.Context) error {
	k.once.Do(func() {
		k.parent.mu.Lock()
		delete(k.parent.held, k.key)
		k.parent.mu.Unlock()
	})
	return nil
}

// =============================================================================
// EVENTS - Injected replacement for global alerting/metrics managers
// =============================================================================

type EventType string

const (
	EventJobStarted    EventType = "job_started"
	EventTickRecorded  EventType = "tick_recorded"
	EventTickFailed    EventType = "tick_failed"
	EventJobExtended   EventType = "job_extended"
	EventJobCompleted  EventType = "job_completed"
	EventJobForced     EventType = "job_force_finalized"
	EventJobFailed     EventType = "job_failed"
	EventJobCancelled  EventType = "job_cancelled"
	EventConfigUpdated EventType = "config_updated"
)

// Event is emitted after the corresponding state change is committed.
type Event struct {
	Type        EventType
	JobID       JobID
	DistrictID  string
	TargetMonth string
	Message     string
	At          time.Time
}

// EventSink receives engine events. Implementations must not block.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

// NopEventSink drops every event.
type NopEventSink struct{}

func (NopEventSink) Publish(context.Context, Event) {}

// LogEventSink writes events to a logrus logger.
type LogEventSink struct {
	Logger logrus.FieldLogger
}

func (s LogEventSink) Publish(_ context.Context, e Event) {
	entry := s.Logger.WithFields(logrus.Fields{
		"event":        e.Type,
		"job_id":       e.JobID,
		"district_id":  e.DistrictID,
		"target_month": e.TargetMonth,
	})
	switch e.Type {
	case EventTickFailed, EventJobForced:
		entry.Warn(e.Message)
	case EventJobFailed:
		entry.Error(e.Message)
	default:
		entry.Info(e.Message)
	}
}
