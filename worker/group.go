package worker

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group runs a set of workers sharing one ring. The first worker that fails
// cancels the others.
type Group struct {
	workers []*Worker
}

func NewGroup(workers ...*Worker) *Group {
	return &Group{workers: workers}
}

func (g *Group) Workers() []*Worker {
	return g.workers
}

// Run blocks until every worker returned.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, w := range g.workers {
		w := w
		eg.Go(func() error {
			return w.Run(ctx)
		})
	}

	logrus.WithField("module", "worker").Infof("%d workers started", len(g.workers))

	return eg.Wait()
}

// Stats sums the counters of all workers.
func (g *Group) Stats() Stats {
	var s Stats
	for _, w := range g.workers {
		ws := w.Stats()
		s.Received += ws.Received
		s.Dropped += ws.Dropped
		s.Accepted += ws.Accepted
		s.CommittedBytes += ws.CommittedBytes
		s.TransferFailures += ws.TransferFailures
	}
	return s
}
