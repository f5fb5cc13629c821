package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/muurk/espctl/internal/protocol"
)

// Request is a command waiting to be dispatched to the device.
type Request struct {
	Command string
	Payload []byte
}

// Result is a response line produced by the device.
type Result struct {
	Command  string
	Response string
	At       time.Time
}

// ResultOrder selects which stored result PollResult returns first.
type ResultOrder int

const (
	// LIFO returns the newest result first; older ones may never be read
	// under sustained load.
	LIFO ResultOrder = iota
	// FIFO returns results in production order.
	FIFO
)

// String returns the config name of the order
func (o ResultOrder) String() string {
	switch o {
	case LIFO:
		return "lifo"
	case FIFO:
		return "fifo"
	default:
		return fmt.Sprintf("ResultOrder(%d)", o)
	}
}

// ParseResultOrder parses "lifo" or "fifo". The empty string means LIFO.
func ParseResultOrder(s string) (ResultOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lifo":
		return LIFO, nil
	case "fifo":
		return FIFO, nil
	default:
		return 0, fmt.Errorf("unknown result order %q (expected lifo or fifo)", s)
	}
}

// requestQueue is a FIFO of pending requests with a wake signal for the loop.
type requestQueue struct {
	mu    sync.Mutex
	items []Request
	wake  chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{wake: make(chan struct{}, 1)}
}

func (q *requestQueue) push(r Request) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *requestQueue) pop() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Request{}, false
	}
	r := q.items[0]
	q.items[0] = Request{}
	q.items = q.items[1:]
	return r, true
}

// popReserved removes the oldest reserved request, leaving ordinary requests
// queued in order.
func (q *requestQueue) popReserved() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, r := range q.items {
		if protocol.IsReserved(r.Command) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return r, true
		}
	}
	return Request{}, false
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// resultStore holds results until the operator polls them.
type resultStore struct {
	mu    sync.Mutex
	order ResultOrder
	items []Result
}

func (s *resultStore) push(r Result) {
	s.mu.Lock()
	s.items = append(s.items, r)
	s.mu.Unlock()
}

func (s *resultStore) pop() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.items)
	if n == 0 {
		return Result{}, false
	}

	var r Result
	if s.order == FIFO {
		r = s.items[0]
		s.items[0] = Result{}
		s.items = s.items[1:]
	} else {
		r = s.items[n-1]
		s.items = s.items[:n-1]
	}
	return r, true
}

func (s *resultStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
