package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sandbox is an in-memory gateway for tests and local development. It
// behaves like an idempotent provider: the first outcome recorded for an
// idempotency key is replayed for every later submission with that key,
// declines included. Outcomes are scripted with the Queue methods; with
// nothing queued every charge succeeds.
type Sandbox struct {
	mu    sync.Mutex
	seen  map[string]Result
	queue []scripted
	calls []Charge
}

type scripted struct {
	res Result
	err error
}

// NewSandbox returns an empty sandbox where every charge succeeds.
func NewSandbox() *Sandbox {
	return &Sandbox{seen: make(map[string]Result)}
}

// Queue schedules res as the outcome of the next unseen submission.
func (s *Sandbox) Queue(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scripted{res: res})
}

// QueueDecline schedules a decline with the given code.
func (s *Sandbox) QueueDecline(code, message string) {
	s.Queue(Result{Success: false, StatusCode: 402, Code: code, Message: message})
}

// QueueError schedules a transport error. The outcome stays unknown: the
// submission is not recorded against its idempotency key.
func (s *Sandbox) QueueError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scripted{err: err})
}

// Submit implements Gateway.
func (s *Sandbox) Submit(ctx context.Context, ch Charge) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ch)

	if res, ok := s.seen[ch.IdempotencyKey]; ok {
		return res, nil
	}

	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		if next.err != nil {
			return Result{}, next.err
		}
		res := next.res
		if res.Success && res.ProviderRef == "" {
			res.ProviderRef = mintRef()
		}
		s.seen[ch.IdempotencyKey] = res
		return res, nil
	}

	res := Result{Success: true, StatusCode: 200, ProviderRef: mintRef()}
	s.seen[ch.IdempotencyKey] = res
	return res, nil
}

// Calls returns a copy of every submission received, replays included.
func (s *Sandbox) Calls() []Charge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Charge(nil), s.calls...)
}

// Submissions counts how many times a given idempotency key was submitted.
func (s *Sandbox) Submissions(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ch := range s.calls {
		if ch.IdempotencyKey == key {
			n++
		}
	}
	return n
}

func mintRef() string {
	return fmt.Sprintf("sb_%s", uuid.NewString())
}
