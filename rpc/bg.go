package rpc

import (
	"sync"

	"github.com/fabrpc/frpc/ops"
)

// bgWorkItem is one deferred application callback.
type bgWorkItem struct {
	slot *sslot
	// non-nil for request handlers; continuations use the slot's cont
	reqFunc func(h ops.ReqHandle, ctx interface{})
}

// bgQueue is the lock-protected submission FIFO between the event loop
// and the background workers. The producer never waits; workers block
// on the condition variable when idle.
type bgQueue struct {
	r *Rpc

	mu     sync.Mutex
	cond   *sync.Cond
	items  []bgWorkItem
	closed bool

	wg sync.WaitGroup
}

func newBgQueue(r *Rpc, numWorkers int) *bgQueue {
	q := &bgQueue{r: r}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go q.worker(i)
	}
	return q
}

func (q *bgQueue) submitReq(slot *sslot, fn ops.ReqFunc) {
	q.push(bgWorkItem{slot: slot, reqFunc: fn.Func})
}

func (q *bgQueue) submitCont(slot *sslot) {
	q.push(bgWorkItem{slot: slot})
}

func (q *bgQueue) push(item bgWorkItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *bgQueue) worker(id int) {
	defer q.wg.Done()
	log := q.r.log.WithField("bg_worker", id)
	log.Debug("background worker up")
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		// callbacks re-enter the engine through the lock-guarded API
		if item.reqFunc != nil {
			item.reqFunc(item.slot, q.r.context)
		} else {
			item.slot.cont(item.slot, q.r.context, item.slot.tag)
		}
	}
}

// stop drains outstanding work and joins the workers.
func (q *bgQueue) stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	q.wg.Wait()
}
