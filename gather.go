package main

import (
	"errors"
	"sync"
)

// ErrAborted is returned from collective calls after the group has been
// aborted by a failing replica.
var ErrAborted = errors.New("gather: replica group aborted")

// Gatherer is the collective primitive the training step uses to widen its
// negative pool across data-parallel replicas. Without it, a replica only
// sees 2*(localBatch-1) negatives per anchor instead of 2*(globalBatch-1),
// and multi-worker training quality degrades silently.
//
// Gather concatenates the local rows with every other replica's rows in rank
// order, returning the global tensor and the row offset of the local slice.
// Gradient flows back only into the local slice: callers backpropagate the
// gradient rows [offset, offset+local.Rows()) and nothing else.
//
// Gather is a blocking collective. Every replica in a group must call it the
// same number of times in the same order within a step, or the group
// deadlocks. That contract is inherited by callers, not enforced here; the
// escape hatch is aborting the group, which fails every pending and future
// collective call with ErrAborted.
type Gatherer interface {
	Gather(local *Tensor) (global *Tensor, offset int, err error)
}

// NoopGatherer is the single-replica implementation: the local batch already
// is the global batch.
type NoopGatherer struct{}

// Gather returns the local tensor unchanged at offset 0.
func (NoopGatherer) Gather(local *Tensor) (*Tensor, int, error) {
	return local, 0, nil
}

// ReplicaGroup coordinates n replica goroutines within one process. Each
// replica takes a Gatherer from Gatherer(rank) and may additionally use
// Barrier to line up non-gather phases (gradient application, say).
//
// The group reuses one rendezvous: the last replica to arrive builds the
// global tensor, bumps the generation and wakes the rest. A replica racing
// ahead into the next round cannot corrupt the previous one because a round
// only completes when all n replicas have arrived again.
type ReplicaGroup struct {
	n int

	mu   sync.Mutex
	cond *sync.Cond

	slots   []*Tensor
	offsets []int
	global  *Tensor

	gatherArrived int
	gatherGen     uint64

	barrierArrived int
	barrierGen     uint64

	aborted bool
}

// NewReplicaGroup creates a group for n replicas. Panics if n < 1.
func NewReplicaGroup(n int) *ReplicaGroup {
	if n < 1 {
		panic("gather: replica group needs at least one replica")
	}
	g := &ReplicaGroup{
		n:       n,
		slots:   make([]*Tensor, n),
		offsets: make([]int, n),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Size returns the number of replicas in the group.
func (g *ReplicaGroup) Size() int { return g.n }

// Gatherer returns the Gatherer for the given rank. Panics on a rank outside
// [0, Size()).
func (g *ReplicaGroup) Gatherer(rank int) Gatherer {
	if rank < 0 || rank >= g.n {
		panic("gather: rank out of range")
	}
	return &replicaGatherer{group: g, rank: rank}
}

// Abort wakes every replica blocked in a collective and makes all later
// collective calls fail with ErrAborted. A replica that errors out of its
// step loop must call this, or the survivors would wait for its next
// arrival forever.
func (g *ReplicaGroup) Abort() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aborted = true
	g.cond.Broadcast()
}

// Barrier blocks until all replicas have reached it, or until the group is
// aborted.
func (g *ReplicaGroup) Barrier() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.aborted {
		return ErrAborted
	}

	gen := g.barrierGen
	g.barrierArrived++
	if g.barrierArrived == g.n {
		g.barrierArrived = 0
		g.barrierGen++
		g.cond.Broadcast()
		return nil
	}
	for g.barrierGen == gen && !g.aborted {
		g.cond.Wait()
	}
	// An abort can land after the round already completed; only a round
	// still in flight reports it.
	if g.barrierGen == gen {
		return ErrAborted
	}
	return nil
}

func (g *ReplicaGroup) gather(rank int, local *Tensor) (*Tensor, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.aborted {
		return nil, 0, ErrAborted
	}

	g.slots[rank] = local
	gen := g.gatherGen
	g.gatherArrived++

	if g.gatherArrived == g.n {
		offset := 0
		for r, t := range g.slots {
			g.offsets[r] = offset
			offset += t.Rows()
		}
		g.global = ConcatRows(g.slots...)
		g.gatherArrived = 0
		g.gatherGen++
		g.cond.Broadcast()
		return g.global, g.offsets[rank], nil
	}

	for g.gatherGen == gen && !g.aborted {
		g.cond.Wait()
	}
	if g.gatherGen == gen {
		return nil, 0, ErrAborted
	}
	return g.global, g.offsets[rank], nil
}

type replicaGatherer struct {
	group *ReplicaGroup
	rank  int
}

func (r *replicaGatherer) Gather(local *Tensor) (*Tensor, int, error) {
	return r.group.gather(r.rank, local)
}
