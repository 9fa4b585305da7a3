package worker

// Job is one unit of work. Jobs sharing a Key run in submission order;
// different keys are served round-robin.
type Job struct {
	Key string
	Run func()
	// Drop is called when the job is cancelled or the dispatcher stops
	// before Run started, and after Run panics.
	Drop func()

	stop bool
}

func (j Job) drop() {
	if j.Drop != nil {
		j.Drop()
	}
}
