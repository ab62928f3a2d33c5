package tools

import (
	"context"
	"sync"

	"github.com/brigadehq/brigade/pkg/models"
)

// CredentialResolver looks up per-owner secrets by name. It is carried
// explicitly on the execution context, never in a global, and injected
// into tool calls that need credentials.
type CredentialResolver interface {
	Resolve(ctx context.Context, ownerID int64, name string) (string, error)
}

// ExecContext is the request-scoped execution context threaded through a
// fiche run. It carries identity, tracing, credentials, and the pending
// commis collector used by the two-phase spawn protocol. Safe for
// concurrent use by parallel tool dispatches.
type ExecContext struct {
	OwnerID  int64
	ThreadID int64

	// CourseID is the executing course; StreamCourseID the originating
	// course whose event stream this run narrates (differs for
	// continuations and commis work).
	CourseID       int64
	StreamCourseID int64

	TraceID         string
	Model           string
	ReasoningEffort string

	Credentials CredentialResolver

	mu      sync.Mutex
	pending []*models.CommisJob
}

// AddPendingJob records a commis job created during the current step. After
// the tool batch completes the runner translates a non-empty set into a
// FicheInterrupted with the collected job ids.
func (c *ExecContext) AddPendingJob(job *models.CommisJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, job)
}

// TakePendingJobs returns and clears the collected jobs.
func (c *ExecContext) TakePendingJobs() []*models.CommisJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	jobs := c.pending
	c.pending = nil
	return jobs
}

type callIDKey struct{}

// WithCallID stamps the current tool call id on the context. The dispatch
// loop sets it per call; tools needing call-level idempotency read it back
// with CallID.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallID returns the tool call id stamped by the dispatcher, or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}
