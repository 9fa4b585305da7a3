package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("dispatcher stopped")

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Workers int `json:"workers"`
	Idle    int `json:"idle"`
	Queued  int `json:"queued"`
}

// Dispatcher fans jobs out to an elastic worker pool. Each key has its own
// FIFO queue and keys take turns, so one busy session cannot starve others.
type Dispatcher struct {
	pool     *elasticPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher

	mu        sync.Mutex
	queues    map[string]*keyQueue // job queue for each key
	ready     *list.List           // LRU queue storing keys
	positions map[string]*list.Element

	stop     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(cfg Config) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	pool := newElasticPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout)

	d := &Dispatcher{
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		stop:      make(chan struct{}),
	}

	// Warm up workers
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.grow()
	}

	go d.run()
	return d
}

// Submit queues a job, blocking while the intake queue is full.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	select {
	case <-d.stop:
		return ErrStopped
	default:
	}
	select {
	case d.JobQueue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stop:
		return ErrStopped
	}
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of key in the front of LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // force congestion
				d.enqueueJob(job)
			case <-d.stop:
				d.drain()
				return
			}
			continue
		}
		// if we have a new job, enqueue it and its key
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		case <-d.stop:
			d.drain()
			return
		default:
		}
	}
}

// Cancel drops every queued job of key. Jobs already running are unaffected.
func (d *Dispatcher) Cancel(key string) {
	d.mu.Lock()
	var dropped []Job
	if q, ok := d.queues[key]; ok {
		dropped = q.jobs
		delete(d.queues, key)
	}
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
	d.mu.Unlock()

	for _, job := range dropped {
		job.drop()
	}
	if len(dropped) > 0 {
		debugLog("[dispatcher] dropped %d queued jobs for %s", len(dropped), key)
	}
}

// Stop stops accepting jobs, drops queued ones and retires idle workers.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.pool.close()
	})
}

func (d *Dispatcher) Stats() Stats {
	running, idle := d.pool.counts()
	d.mu.Lock()
	queued := 0
	for _, q := range d.queues {
		queued += len(q.jobs)
	}
	d.mu.Unlock()
	return Stats{Workers: running, Idle: idle, Queued: queued + len(d.JobQueue)}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		// key already enqueue, skip
		return
	}
	// new key, enqueue
	q.enqueued = true
	elem := d.ready.PushBack(job.Key)
	d.positions[job.Key] = elem
}

// dispatchOne get first key in LRU and dispatch its job
func (d *Dispatcher) dispatchOne() bool {
	job, ok := d.nextJob()
	if !ok {
		return false
	}
	workerChan, workerID := d.pool.acquire()
	if workerChan == nil {
		job.drop()
		return true
	}
	debugLog("[dispatcher] assign job for %s to worker-%d", job.Key, workerID)
	workerChan <- job
	return true
}

// nextJob pops the head job of the first key and rotates that key to the back.
func (d *Dispatcher) nextJob() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	// get job from the first key
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// key only have one job, it'll be handled, key needs to quit queue
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		// get to the back of queue
		d.ready.MoveToBack(elem)
	}
	return job, true
}

// drain drops whatever is still queued after Stop.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	var dropped []Job
	for _, q := range d.queues {
		dropped = append(dropped, q.jobs...)
	}
	d.queues = make(map[string]*keyQueue)
	d.ready.Init()
	d.positions = make(map[string]*list.Element)
	d.mu.Unlock()

	for {
		select {
		case job := <-d.JobQueue:
			dropped = append(dropped, job)
		default:
			for _, job := range dropped {
				job.drop()
			}
			return
		}
	}
}
