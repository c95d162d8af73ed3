package ingest

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"
)

// Task is one unit of ingest work.
type Task func()

// Pool is a fixed set of workers, each draining its own bounded shard
// queue. Dispatch hashes the submit key to a shard, so tasks sharing a key
// run on one worker in submit order. A full shard drops the task rather
// than blocking or spawning goroutines; drops are counted and visible
// through DroppedTasks.
type Pool struct {
	shards  []chan Task
	ctx     context.Context
	wg      sync.WaitGroup
	dropped int64
	logger  zerolog.Logger
}

// NewPool sizes the pool. queueSize is the total capacity, split evenly
// across the workers' shards.
func NewPool(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if queueSize <= 0 {
		queueSize = workerCount * 100
	}
	perShard := queueSize / workerCount
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]chan Task, workerCount)
	for i := range shards {
		shards[i] = make(chan Task, perShard)
	}
	return &Pool{
		shards: shards,
		logger: logger.With().Str("component", "ingest_pool").Logger(),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := range p.shards {
		p.wg.Add(1)
		go p.worker(p.shards[i])
	}
}

func (p *Pool) worker(tasks <-chan Task) {
	defer p.wg.Done()
	for {
		select {
		case task := <-tasks:
			if task != nil {
				p.runTask(task)
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Ingest task panicked")
		}
	}()
	task()
}

// Submit routes task to key's shard; tasks with equal keys execute in
// submit order. Reports false when the shard was full and the task
// dropped.
func (p *Pool) Submit(key string, task Task) bool {
	shard := p.shards[xxh3.HashString(key)%uint64(len(p.shards))]
	select {
	case shard <- task:
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		return false
	}
}

func (p *Pool) Stop() {
	p.wg.Wait()
}

func (p *Pool) DroppedTasks() int64 {
	return atomic.LoadInt64(&p.dropped)
}

func (p *Pool) QueueDepth() int {
	n := 0
	for _, shard := range p.shards {
		n += len(shard)
	}
	return n
}
