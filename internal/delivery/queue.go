package delivery

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"feedwatch/internal/transport"
	logx "feedwatch/pkg/logx"
)

type job struct {
	ctx    context.Context
	post   *postPlan
	result chan Result
}

// destQueue serializes all sends to one chat destination.
type destQueue struct {
	dest    transport.ChatTarget
	jobs    chan job
	limiter *rate.Limiter
	// pending counts jobs handed to this queue and not yet finished.
	// Guarded by Engine.mu.
	pending int
}

func newLimiter(perSec int) *rate.Limiter {
	return rate.NewLimiter(rateLimit(perSec), 1)
}

// queueFor returns the destination queue, creating and starting it on first
// use. The caller owns one pending slot on success.
func (e *Engine) queueFor(dest transport.ChatTarget) (*destQueue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.accepting || e.sup == nil {
		return nil, ErrStopped
	}
	q := e.queues[dest]
	if q == nil {
		q = &destQueue{
			dest:    dest,
			jobs:    make(chan job, e.cfg.QueueSize),
			limiter: newLimiter(e.cfg.RatePerSec),
		}
		e.queues[dest] = q
		idle := e.cfg.IdleTimeout
		e.sup.Go0("delivery.queue."+dest.String(), func(ctx context.Context) {
			e.worker(ctx, q, idle)
		})
		e.log.Debug("destination queue started", logx.Stringer("dest", dest))
	}
	q.pending++
	e.met.SetQueueDepth(dest.String(), q.pending)
	e.inflight.Add(1)
	return q, nil
}

func (e *Engine) release(q *destQueue) {
	e.mu.Lock()
	q.pending--
	e.met.SetQueueDepth(q.dest.String(), q.pending)
	e.mu.Unlock()
	e.inflight.Done()
}

func (e *Engine) worker(ctx context.Context, q *destQueue, idle time.Duration) {
	t := time.NewTimer(idle)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			e.dropQueue(q)
			return
		case j := <-q.jobs:
			e.runJob(ctx, q, j)
			e.release(q)
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(idle)
		case <-t.C:
			e.mu.Lock()
			if q.pending == 0 {
				delete(e.queues, q.dest)
				e.met.DeleteQueue(q.dest.String())
				e.mu.Unlock()
				e.log.Debug("destination queue reaped", logx.Stringer("dest", q.dest))
				return
			}
			e.mu.Unlock()
			t.Reset(idle)
		}
	}
}

// dropQueue fails jobs still buffered when the engine shuts down.
func (e *Engine) dropQueue(q *destQueue) {
	e.mu.Lock()
	if e.queues[q.dest] == q {
		delete(e.queues, q.dest)
	}
	e.mu.Unlock()
	for {
		select {
		case j := <-q.jobs:
			j.result <- Result{Destination: q.dest, Err: ErrStopped}
			e.release(q)
		default:
			return
		}
	}
}

func (e *Engine) runJob(workerCtx context.Context, q *destQueue, j job) {
	ctx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(workerCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()
	j.result <- e.sendPost(ctx, q, j.post)
}

func rateLimit(perSec int) rate.Limit {
	return rate.Limit(perSec)
}
