package webtransport

import "sync"

// acceptQueue hands incoming streams from the dispatch goroutine to Accept
// callers. It is unbounded: QUIC flow control already limits how many streams
// a peer can open.
type acceptQueue[T any] struct {
	mu sync.Mutex
	// The channel holds a single token signalling non-emptiness, so blocked
	// Next callers wake up without busy-waiting.
	c     chan struct{}
	queue []T
}

func newAcceptQueue[T any]() *acceptQueue[T] {
	return &acceptQueue[T]{c: make(chan struct{}, 1)}
}

func (q *acceptQueue[T]) Add(item T) {
	q.mu.Lock()
	q.queue = append(q.queue, item)
	q.mu.Unlock()

	select {
	case q.c <- struct{}{}:
	default:
	}
}

// Next pops the oldest queued item. The second return value is false when the
// queue is currently empty; wait on Chan and retry.
func (q *acceptQueue[T]) Next() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		var zero T
		return zero, false
	}
	item := q.queue[0]
	q.queue = q.queue[1:]
	if len(q.queue) > 0 {
		select {
		case q.c <- struct{}{}:
		default:
		}
	}
	return item, true
}

func (q *acceptQueue[T]) Chan() <-chan struct{} { return q.c }
