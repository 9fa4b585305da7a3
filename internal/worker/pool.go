package worker

import (
	"sync"
	"time"
)

const defaultWorkerIdle = 30 * time.Second

// slot is the pool's view of one worker goroutine.
type slot struct {
	id        int
	jobs      chan Job
	idleSince time.Time
	parked    bool // waiting in the idle list
	retired   bool // told to stop, or about to be
}

// elasticPool keeps between min and max workers. It grows when a job finds
// no idle worker and shrinks back to min once workers sit idle past expiry.
type elasticPool struct {
	mu     sync.Mutex
	freed  *sync.Cond
	idle   []*slot
	slots  map[chan Job]*slot
	min    int
	max    int
	live   int
	seq    int
	expiry time.Duration
	now    func() time.Time
	closed bool
	done   chan struct{}
}

func newElasticPool(minWorkers, maxWorkers int, expiry time.Duration) *elasticPool {
	if expiry <= 0 {
		expiry = defaultWorkerIdle
	}
	maxWorkers = max(maxWorkers, minWorkers, 1)
	p := &elasticPool{
		slots:  make(map[chan Job]*slot),
		min:    minWorkers,
		max:    maxWorkers,
		expiry: expiry,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	p.freed = sync.NewCond(&p.mu)
	go p.reapIdle()
	return p
}

// addLocked registers a new worker. The caller starts it after unlocking.
func (p *elasticPool) addLocked() *Worker {
	p.seq++
	w := NewWorker(p.seq, p)
	p.slots[w.jobChannel] = &slot{id: p.seq, jobs: w.jobChannel}
	p.live++
	return w
}

// grow starts one more worker unless the pool is full or closed.
func (p *elasticPool) grow() {
	p.mu.Lock()
	if p.closed || p.live >= p.max {
		p.mu.Unlock()
		return
	}
	w := p.addLocked()
	p.mu.Unlock()
	w.Start()
}

// acquire hands out an idle worker, starting one when below max and
// waiting otherwise. It returns a nil channel once the pool is closed.
func (p *elasticPool) acquire() (chan Job, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed {
		if s := p.takeIdleLocked(); s != nil {
			return s.jobs, s.id
		}
		if p.live < p.max {
			w := p.addLocked()
			p.mu.Unlock()
			w.Start()
			p.mu.Lock()
			continue
		}
		p.freed.Wait()
	}
	return nil, 0
}

// park returns a worker to the idle list. false tells the worker to exit.
func (p *elasticPool) park(jobs chan Job) bool {
	p.mu.Lock()
	s, ok := p.slots[jobs]
	switch {
	case !ok || s.retired || p.closed:
		p.mu.Unlock()
		return false
	case s.parked:
		p.mu.Unlock()
		return true
	}
	s.parked = true
	s.idleSince = p.now()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	p.freed.Signal()
	return true
}

// retire forgets a worker that has exited.
func (p *elasticPool) retire(jobs chan Job) {
	p.mu.Lock()
	if s, ok := p.slots[jobs]; ok {
		delete(p.slots, jobs)
		s.retired = true
		p.live = max(p.live-1, 0)
	}
	p.mu.Unlock()
	p.freed.Broadcast()
}

func (p *elasticPool) takeIdleLocked() *slot {
	for len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		if s.retired {
			continue
		}
		s.parked = false
		return s
	}
	return nil
}

func (p *elasticPool) reapIdle() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.retireExpired()
		}
	}
}

// retireExpired stops workers idle for longer than expiry, oldest first,
// keeping at least min alive.
func (p *elasticPool) retireExpired() {
	p.mu.Lock()
	if len(p.idle) == 0 || p.live <= p.min {
		p.mu.Unlock()
		return
	}
	now := p.now()
	var expired []*slot
	kept := p.idle[:0]
	for _, s := range p.idle {
		if s.retired {
			continue
		}
		if now.Sub(s.idleSince) >= p.expiry && p.live-len(expired) > p.min {
			s.retired = true
			s.parked = false
			expired = append(expired, s)
			continue
		}
		kept = append(kept, s)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, s := range expired {
		debugLog("[pool] retire idle worker-%d", s.id)
		s.jobs <- Job{stop: true}
	}
}

// close stops idle workers now; busy ones exit when they finish.
func (p *elasticPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, s := range idle {
		s.retired = true
	}
	p.mu.Unlock()
	close(p.done)
	p.freed.Broadcast()

	for _, s := range idle {
		s.jobs <- Job{stop: true}
	}
}

// counts reports live and idle workers.
func (p *elasticPool) counts() (live, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, len(p.idle)
}
