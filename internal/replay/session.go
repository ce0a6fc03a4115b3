package replay

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// fixedRand is the value every random draw yields inside a session.
const fixedRand = 0.5

// response is one recorded answer for a mocked target. err is set when
// the recorded output snapshot could not be deserialized — the failure is
// delivered at the call site rather than aborting the preflight.
type response struct {
	value any
	err   error
}

// Session is the deterministic execution context for one replay: wall
// clock pinned to the checkpoint's capture instant, randomness pinned to
// a constant, and designated external targets answered from recorded
// response queues in FIFO order.
type Session struct {
	now time.Time

	mu     sync.Mutex
	queues map[string][]response
	taken  map[string]int
}

func newSession(capture time.Time, queues map[string][]response) *Session {
	return &Session{
		now:    capture,
		queues: queues,
		taken:  make(map[string]int, len(queues)),
	}
}

// mocked reports whether target was named in the mock configuration.
func (s *Session) mocked(target string) bool {
	_, ok := s.queues[target]
	return ok
}

// next pops the next recorded response for target. Exhausting the queue
// is a distinct, surfaced failure.
func (s *Session) next(target string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[target]
	idx := s.taken[target]
	if idx >= len(q) {
		return nil, &ExhaustedError{Target: target, Recorded: len(q), Call: idx + 1}
	}
	s.taken[target] = idx + 1
	return q[idx].value, q[idx].err
}

type ctxKey struct{}

// withSession returns a context carrying the session.
func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// sessionFrom returns the session carried by ctx, or nil outside replay.
func sessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}

// Now returns the current time — pinned to the checkpoint's capture
// instant inside a replay session, the wall clock otherwise. Agent code
// reads time through this so replays are time-deterministic.
func Now(ctx context.Context) time.Time {
	if s := sessionFrom(ctx); s != nil {
		return s.now
	}
	return time.Now()
}

// Float64 returns a random draw in [0, 1) — pinned to a constant inside
// a replay session.
func Float64(ctx context.Context) float64 {
	if s := sessionFrom(ctx); s != nil {
		return fixedRand
	}
	return rand.Float64()
}

// Call invokes an external target through the replay interception point.
// Inside a session that mocks target, the next recorded response answers
// (or an ExhaustedError once the queue runs dry). Outside a session, or
// for unmocked targets, live runs.
//
// Agent operations route every designated external call (LLM invocations,
// tool calls) through Call so recordings can substitute them on replay.
func Call(ctx context.Context, target string, live func(context.Context) (any, error)) (any, error) {
	if s := sessionFrom(ctx); s != nil && s.mocked(target) {
		return s.next(target)
	}
	if live == nil {
		return nil, fmt.Errorf("replay: target %q is not mocked and has no live handler", target)
	}
	return live(ctx)
}
