package uploads

import (
	"sort"
	"sync"
	"time"
)

type delayed struct {
	id  string
	due time.Time
}

// workQueue is the FIFO of ready submissions plus the set of retries waiting
// for their backoff to elapse.
type workQueue struct {
	mu      sync.Mutex
	ready   []string
	waiting []delayed // ordered by due
	signal  chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{signal: make(chan struct{}, 1)}
}

func (q *workQueue) push(id string) {
	q.mu.Lock()
	q.ready = append(q.ready, id)
	q.mu.Unlock()
	q.notify()
}

func (q *workQueue) pushFront(id string) {
	q.mu.Lock()
	q.ready = append([]string{id}, q.ready...)
	q.mu.Unlock()
	q.notify()
}

func (q *workQueue) delay(id string, due time.Time) {
	q.mu.Lock()
	idx := sort.Search(len(q.waiting), func(i int) bool { return q.waiting[i].due.After(due) })
	q.waiting = append(q.waiting, delayed{})
	copy(q.waiting[idx+1:], q.waiting[idx:])
	q.waiting[idx] = delayed{id: id, due: due}
	q.mu.Unlock()
	q.notify()
}

// promote moves due retries to the tail of the FIFO in due order.
func (q *workQueue) promote(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < len(q.waiting) && !q.waiting[n].due.After(now) {
		q.ready = append(q.ready, q.waiting[n].id)
		n++
	}
	q.waiting = q.waiting[n:]
	return n
}

func (q *workQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return "", false
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	return id, true
}

func (q *workQueue) nextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return time.Time{}, false
	}
	return q.waiting[0].due, true
}

func (q *workQueue) depth() (ready, waiting int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.waiting)
}

func (q *workQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
