package dispatch

import (
	"context"
	"sort"
	"sync"

	"adsync/internal/workflow"
)

// Pending is the handle of a dispatched run.
type Pending struct {
	id   string
	once sync.Once
	done chan struct{}
	run  *workflow.Run
	err  error
}

func newPending(id string) *Pending {
	return &Pending{id: id, done: make(chan struct{})}
}

func (p *Pending) ID() string { return p.id }

func (p *Pending) Done() <-chan struct{} { return p.done }

func (p *Pending) resolve(run *workflow.Run, err error) {
	p.once.Do(func() {
		p.run, p.err = run, err
		close(p.done)
	})
}

// Wait blocks until the run reaches a terminal status or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*workflow.Run, error) {
	select {
	case <-p.done:
		return p.run.Clone(), p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sortByQueued(runs []*workflow.Run, newestFirst bool) {
	sort.SliceStable(runs, func(i, j int) bool {
		if newestFirst {
			return runs[i].QueuedAt.After(runs[j].QueuedAt)
		}
		return runs[i].QueuedAt.Before(runs[j].QueuedAt)
	})
}
