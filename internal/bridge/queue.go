package bridge

import "sync"

// deviceQueue runs the work of one device in order on its own goroutine.
type deviceQueue struct {
	jobs    chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newDeviceQueue(depth int) *deviceQueue {
	q := &deviceQueue{
		jobs:    make(chan func(), depth),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *deviceQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stopped:
			return
		case job := <-q.jobs:
			select {
			case <-q.stopped:
				return
			default:
			}
			job()
		}
	}
}

// post enqueues a job, blocking while the queue is full. It reports false
// if the queue has been stopped; the job is then discarded.
func (q *deviceQueue) post(job func()) bool {
	select {
	case <-q.stopped:
		return false
	default:
	}
	select {
	case q.jobs <- job:
		return true
	case <-q.stopped:
		return false
	}
}

// stop discards queued jobs and ends the goroutine after the running job.
func (q *deviceQueue) stop() {
	q.once.Do(func() { close(q.stopped) })
}

// wait blocks until the goroutine has exited.
func (q *deviceQueue) wait() {
	<-q.done
}
