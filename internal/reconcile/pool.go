package reconcile

import (
	"context"
	"hash/fnv"
	"sync"

	"ItemVault/internal/tradenet"
)

const workerQueueSize = 64

// Pool fans events out to a bounded set of workers. Events are sharded by
// offer ID, so two events for the same offer are always handled by the same
// worker in arrival order: per-offer serialization without a global lock.
type Pool struct {
	rec    *Reconciler
	queues []chan tradenet.OfferEvent
}

func NewPool(rec *Reconciler) *Pool {
	queues := make([]chan tradenet.OfferEvent, rec.cfg.Workers)
	for i := range queues {
		queues[i] = make(chan tradenet.OfferEvent, workerQueueSize)
	}
	return &Pool{rec: rec, queues: queues}
}

// Run consumes the session event stream until it closes or ctx is
// cancelled. Blocks; returns once all workers have drained.
func (p *Pool) Run(ctx context.Context, events <-chan tradenet.OfferEvent) {
	var wg sync.WaitGroup
	for _, queue := range p.queues {
		wg.Add(1)
		go func(queue <-chan tradenet.OfferEvent) {
			defer wg.Done()
			for evt := range queue {
				p.rec.Handle(ctx, evt)
			}
		}(queue)
	}

	for {
		select {
		case <-ctx.Done():
			p.closeQueues()
			wg.Wait()
			return
		case evt, ok := <-events:
			if !ok {
				p.closeQueues()
				wg.Wait()
				return
			}
			p.queues[shard(evt.OfferID, len(p.queues))] <- evt
		}
	}
}

func (p *Pool) closeQueues() {
	for _, queue := range p.queues {
		close(queue)
	}
}

func shard(offerID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(offerID))
	return int(h.Sum32() % uint32(n))
}
