package worker

import (
	"runtime/debug"

	"uniconvert/internal/logging"
)

type Worker struct {
	id         int
	pool       *elasticPool
	jobChannel chan Job
}

func NewWorker(id int, pool *elasticPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

// Start parks the worker in the idle queue and runs jobs until told to stop.
func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			if !w.pool.park(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			if job.stop {
				debugLog("[worker-%d] stop", w.id)
				return
			}
			w.execute(job)
		}
	}()
}

func (w *Worker) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			logging.Default().Error("worker job panicked", "worker", w.id, "key", job.Key, "panic", r, "stack", string(debug.Stack()))
			job.drop()
		}
	}()
	debugLog("[worker-%d] run job for %s", w.id, job.Key)
	job.Run()
}
