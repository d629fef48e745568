package extraction

import (
	"context"
	"sync"
	"time"
)

// FakeResult scripts the outcome the Fake returns for one path.
type FakeResult struct {
	Text     string
	Warnings []string
	Err      error
}

// Fake is an in-process TextExtractor for tests. Outcomes are scripted per
// request path; unscripted paths get Default, or an empty result when
// Default is nil too.
type Fake struct {
	ByPath  map[string]FakeResult
	Default *FakeResult
	// Delay is applied before answering, honoring context cancellation.
	Delay time.Duration

	mu    sync.Mutex
	calls []Request
}

func (f *Fake) Extract(ctx context.Context, req Request) (*Result, error) {
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.Delay):
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	res, ok := f.ByPath[req.Path]
	if !ok {
		if f.Default != nil {
			res = *f.Default
		} else {
			res = FakeResult{Text: ""}
		}
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return &Result{Text: res.Text, Warnings: res.Warnings}, nil
}

func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.calls))
	copy(out, f.calls)
	return out
}
