package quota

import "sync"

// taskRunner runs posted tasks one at a time, in order, on its own
// goroutine.
type taskRunner struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newTaskRunner() *taskRunner {
	r := &taskRunner{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go r.loop()
	return r
}

// Post queues task and returns true, or returns false if the runner is
// stopped.  It never blocks.
func (r *taskRunner) Post(task func()) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop refuses further tasks.  Tasks already queued still run, after which
// the runner goroutine exits and Done is closed.
func (r *taskRunner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *taskRunner) Done() <-chan struct{} {
	return r.done
}

func (r *taskRunner) loop() {
	defer close(r.done)
	for {
		r.mu.Lock()
		tasks := r.tasks
		r.tasks = nil
		stopped := r.stopped
		r.mu.Unlock()

		for _, task := range tasks {
			task()
		}
		if len(tasks) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-r.wake
	}
}
