package llm

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scripted Client for tests. Each Complete call consumes the
// next scripted turn; running past the script is an error.
type Fake struct {
	mu       sync.Mutex
	turns    []FakeTurn
	next     int
	Requests []Request
}

// FakeTurn is one scripted response. When Err is set the turn fails
// instead of responding.
type FakeTurn struct {
	Response Response
	Err      error
}

// NewFake scripts the given turns.
func NewFake(turns ...FakeTurn) *Fake {
	return &Fake{turns: turns}
}

func (f *Fake) Complete(ctx context.Context, req Request, stream StreamFunc) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.Requests = append(f.Requests, req)
	if f.next >= len(f.turns) {
		return nil, fmt.Errorf("fake llm: no scripted turn for call %d", f.next+1)
	}
	turn := f.turns[f.next]
	f.next++
	if turn.Err != nil {
		return nil, turn.Err
	}
	if stream != nil && turn.Response.Content != "" {
		stream(turn.Response.Content)
	}
	resp := turn.Response
	return &resp, nil
}

// Calls reports how many turns have been consumed.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}
