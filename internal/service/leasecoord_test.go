package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/runforge/runforge/internal/domain/worker"
)

func TestAcquireForDispatchClaimsSlot(t *testing.T) {
	st := newFakeStore()
	st.workers["w1"] = &worker.Worker{
		ID: "w1", Endpoint: "http://w1:9000", ProxyEndpoint: "http://w1:9001",
		Status: worker.StatusIdle, MaxSlots: 2,
	}
	c := NewLeaseCoordinator(st, nil, time.Minute, testLogger())

	lease, err := c.AcquireForDispatch(context.Background(), "opencode", "run-1", 1)
	if err != nil {
		t.Fatalf("AcquireForDispatch: %v", err)
	}
	if lease == nil || lease.WorkerID != "w1" {
		t.Fatalf("lease = %+v", lease)
	}
	if lease.RuntimeEndpoint != "http://w1:9000" || lease.ProxyEndpoint != "http://w1:9001" {
		t.Errorf("endpoints = %q / %q", lease.RuntimeEndpoint, lease.ProxyEndpoint)
	}

	w, _ := st.GetWorker(context.Background(), "w1")
	if w.ActiveSlots != 1 || w.Status != worker.StatusLeased {
		t.Errorf("worker = %d slots, status %s", w.ActiveSlots, w.Status)
	}
}

func TestAcquireForDispatchNoCapacity(t *testing.T) {
	st := newFakeStore()
	st.workers["w1"] = &worker.Worker{
		ID: "w1", Status: worker.StatusIdle, MaxSlots: 1, ActiveSlots: 1,
	}
	c := NewLeaseCoordinator(st, nil, time.Minute, testLogger())

	lease, err := c.AcquireForDispatch(context.Background(), "opencode", "run-1", 1)
	if err != nil {
		t.Fatalf("AcquireForDispatch: %v", err)
	}
	if lease != nil {
		t.Fatalf("expected nil lease at capacity, got %+v", lease)
	}
}

func TestAcquireForDispatchHarnessFilter(t *testing.T) {
	st := newFakeStore()
	st.workers["w1"] = &worker.Worker{
		ID: "w1", Status: worker.StatusIdle, MaxSlots: 2, Harnesses: []string{"codex"},
	}
	st.workers["w2"] = &worker.Worker{
		ID: "w2", Status: worker.StatusIdle, MaxSlots: 2, Harnesses: []string{"opencode"},
	}
	c := NewLeaseCoordinator(st, nil, time.Minute, testLogger())

	lease, err := c.AcquireForDispatch(context.Background(), "opencode", "run-1", 1)
	if err != nil {
		t.Fatalf("AcquireForDispatch: %v", err)
	}
	if lease == nil || lease.WorkerID != "w2" {
		t.Fatalf("lease = %+v, want w2", lease)
	}
}

// Two coordinators racing for the last slot: the store CAS admits exactly one.
func TestAcquireForDispatchLastSlotRace(t *testing.T) {
	st := newFakeStore()
	st.workers["w1"] = &worker.Worker{
		ID: "w1", Status: worker.StatusIdle, MaxSlots: 1,
	}
	c := NewLeaseCoordinator(st, nil, time.Minute, testLogger())

	var once sync.Once
	st.beforeSlotsCAS = func() {
		// The competing replica claims the slot between our read and write.
		once.Do(func() {
			st.mu.Lock()
			st.workers["w1"].ActiveSlots = 1
			st.workers["w1"].Status = worker.StatusLeased
			st.mu.Unlock()
		})
	}

	lease, err := c.AcquireForDispatch(context.Background(), "opencode", "run-1", 1)
	if err != nil {
		t.Fatalf("AcquireForDispatch: %v", err)
	}
	if lease != nil {
		t.Fatalf("lost race must yield nil lease, got %+v", lease)
	}
	w, _ := st.GetWorker(context.Background(), "w1")
	if w.ActiveSlots != 1 {
		t.Errorf("active slots = %d, want 1 (single winner)", w.ActiveSlots)
	}
}

func TestReleaseOnRunTerminal(t *testing.T) {
	st := newFakeStore()
	st.workers["w1"] = &worker.Worker{
		ID: "w1", Status: worker.StatusLeased, MaxSlots: 2, ActiveSlots: 2,
	}
	c := NewLeaseCoordinator(st, nil, time.Minute, testLogger())

	if err := c.ReleaseOnRunTerminal(context.Background(), "w1"); err != nil {
		t.Fatalf("ReleaseOnRunTerminal: %v", err)
	}
	w, _ := st.GetWorker(context.Background(), "w1")
	if w.ActiveSlots != 1 || w.Status != worker.StatusLeased {
		t.Errorf("worker = %d slots, status %s", w.ActiveSlots, w.Status)
	}

	if err := c.ReleaseOnRunTerminal(context.Background(), "w1"); err != nil {
		t.Fatalf("ReleaseOnRunTerminal: %v", err)
	}
	w, _ = st.GetWorker(context.Background(), "w1")
	if w.ActiveSlots != 0 || w.Status != worker.StatusIdle {
		t.Errorf("idle worker = %d slots, status %s", w.ActiveSlots, w.Status)
	}
}

func TestReleaseRecyclesDrainedWorker(t *testing.T) {
	st := newFakeStore()
	st.workers["w1"] = &worker.Worker{
		ID: "w1", Status: worker.StatusLeased, MaxSlots: 1, ActiveSlots: 1, Recyclable: true,
	}
	c := NewLeaseCoordinator(st, nil, time.Minute, testLogger())

	if err := c.ReleaseOnRunTerminal(context.Background(), "w1"); err != nil {
		t.Fatalf("ReleaseOnRunTerminal: %v", err)
	}
	w, _ := st.GetWorker(context.Background(), "w1")
	if w.Status != worker.StatusDraining {
		t.Errorf("recyclable worker status = %s, want draining", w.Status)
	}
}

type recordingProvisioner struct {
	mu       sync.Mutex
	requests []string
}

func (p *recordingProvisioner) RequestWorker(_ context.Context, harness string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, harness)
	return nil
}

func TestProvisionGraceWindow(t *testing.T) {
	st := newFakeStore()
	prov := &recordingProvisioner{}
	c := NewLeaseCoordinator(st, prov, time.Hour, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := c.AcquireForDispatch(context.Background(), "codex", "run-1", 1); err != nil {
			t.Fatalf("AcquireForDispatch: %v", err)
		}
	}

	prov.mu.Lock()
	defer prov.mu.Unlock()
	if len(prov.requests) != 1 {
		t.Fatalf("provision requests = %d, want 1 per grace window", len(prov.requests))
	}
	if prov.requests[0] != "codex" {
		t.Errorf("provisioned harness = %q", prov.requests[0])
	}
}
