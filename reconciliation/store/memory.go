// Package store provides in-memory JobStore and ConfigStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/reconciliation-engine/reconciliation"
)

// =============================================================================
// INDEX - Secondary lookups maintained alongside the primary record
// =============================================================================

type idSet map[reconciliation.JobID]struct{}

type jobIndex struct {
	byDistrict map[string]idSet
	byMonth    map[string]idSet
	byStatus   map[reconciliation.JobStatus]idSet
}

func newJobIndex() jobIndex {
	return jobIndex{
		byDistrict: make(map[string]idSet),
		byMonth:    make(map[string]idSet),
		byStatus:   make(map[reconciliation.JobStatus]idSet),
	}
}

func addTo[K comparable](m map[K]idSet, k K, id reconciliation.JobID) {
	set, ok := m[k]
	if !ok {
		set = make(idSet)
		m[k] = set
	}
	set[id] = struct{}{}
}

func removeFrom[K comparable](m map[K]idSet, k K, id reconciliation.JobID) {
	if set, ok := m[k]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, k)
		}
	}
}

func (ix jobIndex) add(j reconciliation.Job) {
	addTo(ix.byDistrict, j.DistrictID, j.ID)
	addTo(ix.byMonth, j.TargetMonth, j.ID)
	addTo(ix.byStatus, j.Status, j.ID)
}

func (ix jobIndex) remove(j reconciliation.Job) {
	removeFrom(ix.byDistrict, j.DistrictID, j.ID)
	removeFrom(ix.byMonth, j.TargetMonth, j.ID)
	removeFrom(ix.byStatus, j.Status, j.ID)
}

func (ix jobIndex) clone() jobIndex {
	c := newJobIndex()
	for k, set := range ix.byDistrict {
		for id := range set {
			addTo(c.byDistrict, k, id)
		}
	}
	for k, set := range ix.byMonth {
		for id := range set {
			addTo(c.byMonth, k, id)
		}
	}
	for k, set := range ix.byStatus {
		for id := range set {
			addTo(c.byStatus, k, id)
		}
	}
	return c
}

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type configRecord struct {
	cfg       reconciliation.Config
	updatedAt time.Time
}

// Memory implements reconciliation.TxJobStore and reconciliation.ConfigStore.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[reconciliation.JobID]reconciliation.Job
	timelines map[reconciliation.JobID]reconciliation.Timeline
	index     jobIndex
	config    *configRecord
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[reconciliation.JobID]reconciliation.Job),
		timelines: make(map[reconciliation.JobID]reconciliation.Timeline),
		index:     newJobIndex(),
	}
}

func (m *Memory) CreateJob(_ context.Context, job reconciliation.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(job)
}

func (m *Memory) GetJob(_ context.Context, id reconciliation.JobID) (*reconciliation.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) UpdateJob(_ context.Context, job reconciliation.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(job)
}

func (m *Memory) ListJobs(_ context.Context, filter reconciliation.JobFilter) ([]reconciliation.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(filter), nil
}

func (m *Memory) DeleteJob(_ context.Context, id reconciliation.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Memory) SaveTimeline(_ context.Context, tl reconciliation.Timeline, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveTimelineLocked(tl)
}

func (m *Memory) GetTimeline(_ context.Context, id reconciliation.JobID) (*reconciliation.Timeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTimelineLocked(id)
}

// -----------------------------------------------------------------------------
// locked helpers, shared with the transactional view
// -----------------------------------------------------------------------------

func (m *Memory) createLocked(job reconciliation.Job) error {
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err := m.checkActiveLocked(job); err != nil {
		return err
	}
	m.jobs[job.ID] = cloneJob(job)
	m.index.add(job)
	return nil
}

func (m *Memory) getLocked(id reconciliation.JobID) (*reconciliation.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, reconciliation.ErrJobNotFound
	}
	c := cloneJob(job)
	return &c, nil
}

func (m *Memory) updateLocked(job reconciliation.Job) error {
	old, ok := m.jobs[job.ID]
	if !ok {
		return reconciliation.ErrJobNotFound
	}
	if err := m.checkActiveLocked(job); err != nil {
		return err
	}
	// Record and index move together under the same lock.
	m.index.remove(old)
	m.jobs[job.ID] = cloneJob(job)
	m.index.add(job)
	return nil
}

func (m *Memory) deleteLocked(id reconciliation.JobID) error {
	job, ok := m.jobs[id]
	if !ok {
		return reconciliation.ErrJobNotFound
	}
	m.index.remove(job)
	delete(m.jobs, id)
	delete(m.timelines, id)
	return nil
}

// checkActiveLocked enforces one active job per (district, month).
func (m *Memory) checkActiveLocked(job reconciliation.Job) error {
	if job.Status != reconciliation.StatusActive {
		return nil
	}
	for id := range m.index.byStatus[reconciliation.StatusActive] {
		if id == job.ID {
			continue
		}
		other := m.jobs[id]
		if other.DistrictID == job.DistrictID && other.TargetMonth == job.TargetMonth {
			return &reconciliation.ConflictError{
				DistrictID:    job.DistrictID,
				TargetMonth:   job.TargetMonth,
				ExistingJobID: id,
			}
		}
	}
	return nil
}

func (m *Memory) listLocked(filter reconciliation.JobFilter) []reconciliation.Job {
	var sets []idSet
	if filter.DistrictID != "" {
		sets = append(sets, m.index.byDistrict[filter.DistrictID])
	}
	if filter.TargetMonth != "" {
		sets = append(sets, m.index.byMonth[filter.TargetMonth])
	}
	if filter.Status != "" {
		sets = append(sets, m.index.byStatus[filter.Status])
	}

	var result []reconciliation.Job
	if len(sets) == 0 {
		for _, j := range m.jobs {
			result = append(result, cloneJob(j))
		}
	} else {
		// Walk the smallest set, probe the others.
		sort.Slice(sets, func(i, k int) bool { return len(sets[i]) < len(sets[k]) })
	next:
		for id := range sets[0] {
			for _, s := range sets[1:] {
				if _, ok := s[id]; !ok {
					continue next
				}
			}
			result = append(result, cloneJob(m.jobs[id]))
		}
	}

	sortNewestFirst(result)
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

func (m *Memory) saveTimelineLocked(tl reconciliation.Timeline) error {
	if _, ok := m.jobs[tl.JobID]; !ok {
		return reconciliation.ErrJobNotFound
	}
	m.timelines[tl.JobID] = cloneTimeline(tl)
	return nil
}

func (m *Memory) getTimelineLocked(id reconciliation.JobID) (*reconciliation.Timeline, error) {
	if _, ok := m.jobs[id]; !ok {
		return nil, reconciliation.ErrJobNotFound
	}
	tl, ok := m.timelines[id]
	if !ok {
		return &reconciliation.Timeline{JobID: id, Entries: []reconciliation.Entry{}}, nil
	}
	c := cloneTimeline(tl)
	return &c, nil
}

// =============================================================================
// CONFIG STORE
// =============================================================================

func (m *Memory) LoadConfig(_ context.Context) (reconciliation.Config, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return reconciliation.Config{}, false, nil
	}
	return m.config.cfg, true, nil
}

func (m *Memory) SaveConfig(_ context.Context, cfg reconciliation.Config, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = &configRecord{cfg: cfg, updatedAt: updatedAt}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(reconciliation.JobStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	jobs      map[reconciliation.JobID]reconciliation.Job
	timelines map[reconciliation.JobID]reconciliation.Timeline
	index     jobIndex
}

func (m *Memory) snapshot() memorySnapshot {
	jobs := make(map[reconciliation.JobID]reconciliation.Job, len(m.jobs))
	for k, v := range m.jobs {
		jobs[k] = v
	}
	timelines := make(map[reconciliation.JobID]reconciliation.Timeline, len(m.timelines))
	for k, v := range m.timelines {
		timelines[k] = v
	}
	return memorySnapshot{jobs: jobs, timelines: timelines, index: m.index.clone()}
}

func (m *Memory) restore(s memorySnapshot) {
	m.jobs = s.jobs
	m.timelines = s.timelines
	m.index = s.index
}

// txView runs against the parent's maps while the parent's lock is held.
type txView struct {
	parent *Memory
}

func (tv *txView) CreateJob(_ context.Context, job reconciliation.Job) error {
	return tv.parent.createLocked(job)
}

func (tv *txView) GetJob(_ context.Context, id reconciliation.JobID) (*reconciliation.Job, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) UpdateJob(_ context.Context, job reconciliation.Job) error {
	return tv.parent.updateLocked(job)
}

func (tv *txView) ListJobs(_ context.Context, filter reconciliation.JobFilter) ([]reconciliation.Job, error) {
	return tv.parent.listLocked(filter), nil
}

func (tv *txView) DeleteJob(_ context.Context, id reconciliation.JobID) error {
	return tv.parent.deleteLocked(id)
}

func (tv *txView) SaveTimeline(_ context.Context, tl reconciliation.Timeline, _ time.Time) error {
	return tv.parent.saveTimelineLocked(tl)
}

func (tv *txView) GetTimeline(_ context.Context, id reconciliation.JobID) (*reconciliation.Timeline, error) {
	return tv.parent.getTimelineLocked(id)
}

// =============================================================================
// COPY HELPERS
// =============================================================================

func cloneJob(j reconciliation.Job) reconciliation.Job {
	c := j
	c.EndDate = cloneTime(j.EndDate)
	c.FinalizedDate = cloneTime(j.FinalizedDate)
	c.CurrentDataDate = cloneTime(j.CurrentDataDate)
	if j.Baseline != nil {
		b := *j.Baseline
		c.Baseline = &b
	}
	return c
}

func cloneTimeline(tl reconciliation.Timeline) reconciliation.Timeline {
	c := tl
	c.Entries = append(make([]reconciliation.Entry, 0, len(tl.Entries)), tl.Entries...)
	c.EstimatedCompletion = cloneTime(tl.EstimatedCompletion)
	c.Status.LastChangeDate = cloneTime(tl.Status.LastChangeDate)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sortNewestFirst(jobs []reconciliation.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].Metadata.CreatedAt.Equal(jobs[k].Metadata.CreatedAt) {
			return jobs[i].Metadata.CreatedAt.After(jobs[k].Metadata.CreatedAt)
		}
		return jobs[i].ID > jobs[k].ID
	})
}
