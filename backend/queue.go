package backend

import "sync"

// Queue is the Stream implementation runtimes hand out: an asynchronous
// execution queue backed by a single worker goroutine. The first job error
// since the last Synchronize wins; Synchronize reports it and clears it, so
// a failed run is fatal for that call but does not poison later runs.
type Queue struct {
	jobs   chan func() error
	wg     sync.WaitGroup
	mu     sync.Mutex
	err    error
	closed bool
}

// NewQueue starts the worker and returns the queue.
func NewQueue() *Queue {
	q := &Queue{jobs: make(chan func() error, 16)}
	go func() {
		for job := range q.jobs {
			if err := job(); err != nil {
				q.mu.Lock()
				if q.err == nil {
					q.err = err
				}
				q.mu.Unlock()
			}
			q.wg.Done()
		}
	}()
	return q
}

// Push schedules a job on the worker.
func (q *Queue) Push(job func() error) {
	q.wg.Add(1)
	q.jobs <- job
}

// Synchronize blocks until every pushed job has drained, then returns and
// clears the first error those jobs produced.
func (q *Queue) Synchronize() error {
	q.wg.Wait()
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.err
	q.err = nil
	return err
}

// Close shuts the worker down. Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}
