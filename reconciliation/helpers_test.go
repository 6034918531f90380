package reconciliation_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconciliation-engine/reconciliation"
	"github.com/warp/reconciliation-engine/reconciliation/store"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSource returns the configured reading, or err when set.
// hook runs inside GetCurrentReading before it returns.
type fakeSource struct {
	mu      sync.Mutex
	reading reconciliation.Reading
	err     error
	calls   int
	hook    func()
}

func (s *fakeSource) GetCurrentReading(_ context.Context, _ string) (reconciliation.Reading, error) {
	s.mu.Lock()
	s.calls++
	r, err, hook := s.reading, s.err, s.hook
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return r, err
}

func (s *fakeSource) SetMembership(m int, asOf time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading.Membership = m
	s.reading.AsOfDate = asOf
	s.err = nil
}

func (s *fakeSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSource) OnRead(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// eventRecorder keeps every published event.
type eventRecorder struct {
	mu     sync.Mutex
	events []reconciliation.Event
}

func (r *eventRecorder) Publish(_ context.Context, e reconciliation.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) Types() []reconciliation.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]reconciliation.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// =============================================================================
// TEST SETUP
// =============================================================================

// jan5 is the start date used by the lifecycle scenarios.
var jan5 = time.Date(2024, time.January, 5, 0, 0, 0, 0, time.UTC)

type testEngine struct {
	orch   *reconciliation.Orchestrator
	clock  *fakeClock
	source *fakeSource
	events *eventRecorder
	store  *store.Memory
}

func newTestEngine(t *testing.T, edit ...func(*reconciliation.Options)) *testEngine {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	e := &testEngine{
		clock:  &fakeClock{now: jan5},
		source: &fakeSource{reading: reconciliation.Reading{Membership: 1000, ClubCount: 50, AsOfDate: jan5}},
		events: &eventRecorder{},
		store:  store.NewMemory(),
	}

	var seq int
	opts := reconciliation.Options{
		Store:   e.store,
		Configs: e.store,
		Source:  e.source,
		Events:  e.events,
		Clock:   e.clock,
		Logger:  logger,
		NewID: func() reconciliation.JobID {
			seq++
			return reconciliation.JobID(fmt.Sprintf("job-%d", seq))
		},
	}
	for _, fn := range edit {
		fn(&opts)
	}

	orch, err := reconciliation.NewOrchestrator(opts)
	require.NoError(t, err)
	e.orch = orch
	return e
}

func (e *testEngine) start(t *testing.T, update *reconciliation.ConfigUpdate) *reconciliation.Job {
	t.Helper()
	job, err := e.orch.StartReconciliation(context.Background(), reconciliation.StartRequest{
		DistrictID:  "42",
		TargetMonth: "2024-01",
		Config:      update,
	})
	require.NoError(t, err)
	return job
}

// tickAt moves the clock to at, sets the source's membership and ticks.
func (e *testEngine) tickAt(t *testing.T, id reconciliation.JobID, at time.Time, membership int) *reconciliation.TickResult {
	t.Helper()
	e.clock.Set(at)
	e.source.SetMembership(membership, at)
	result, err := e.orch.Tick(context.Background(), id)
	require.NoError(t, err)
	return result
}

func day(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
