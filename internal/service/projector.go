package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/runforge/runforge/internal/domain/stream"
	"github.com/runforge/runforge/internal/port/database"
)

const projectorShards = 16

// Projector folds structured events into per-run snapshots held in memory.
// Snapshots are sharded by run id so concurrent listeners for different runs
// never contend on the same lock.
type Projector struct {
	store  database.Store
	shards [projectorShards]projectorShard
}

type projectorShard struct {
	mu    sync.Mutex
	snaps map[string]*stream.Snapshot
}

// NewProjector creates an empty projector over the given store.
func NewProjector(store database.Store) *Projector {
	p := &Projector{store: store}
	for i := range p.shards {
		p.shards[i].snaps = make(map[string]*stream.Snapshot)
	}
	return p
}

func (p *Projector) shard(runID string) *projectorShard {
	h := fnv.New32a()
	h.Write([]byte(runID))
	return &p.shards[h.Sum32()%projectorShards]
}

// Apply folds one event into the run's snapshot, hydrating the snapshot from
// persisted events on first touch. Replayed or out-of-order events come back
// with Applied=false.
func (p *Projector) Apply(ctx context.Context, ev stream.StructuredEvent) (stream.Delta, error) {
	sh := p.shard(ev.RunID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	snap, ok := sh.snaps[ev.RunID]
	if !ok {
		var err error
		snap, err = p.hydrate(ctx, ev.RunID)
		if err != nil {
			return stream.Delta{}, err
		}
		sh.snaps[ev.RunID] = snap
	}

	return snap.Apply(ev), nil
}

// Snapshot returns a copy of the run's current snapshot, hydrating it first
// if this process has not seen the run yet.
func (p *Projector) Snapshot(ctx context.Context, runID string) (*stream.Snapshot, error) {
	sh := p.shard(runID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	snap, ok := sh.snaps[runID]
	if !ok {
		var err error
		snap, err = p.hydrate(ctx, runID)
		if err != nil {
			return nil, err
		}
		sh.snaps[runID] = snap
	}

	out := *snap
	return &out, nil
}

// Evict drops a run's snapshot once the run is terminal.
func (p *Projector) Evict(runID string) {
	sh := p.shard(runID)
	sh.mu.Lock()
	delete(sh.snaps, runID)
	sh.mu.Unlock()
}

// hydrate rebuilds a snapshot by replaying the run's persisted events in
// sequence order. Caller holds the shard lock.
func (p *Projector) hydrate(ctx context.Context, runID string) (*stream.Snapshot, error) {
	events, err := p.store.ListRunStructuredEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("hydrate run %s: %w", runID, err)
	}

	snap := stream.NewSnapshot(runID)
	for i := range events {
		snap.Apply(events[i])
	}

	if diff, err := p.store.GetRunDiffSnapshot(ctx, runID); err == nil && diff != nil {
		if snap.Diff == nil || diff.Sequence > snap.Diff.Sequence {
			snap.Diff = diff
		}
	}
	return snap, nil
}
