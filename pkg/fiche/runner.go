// Package fiche executes one agent turn: the LLM loop with schema-checked
// tool dispatch, event emission, and message persistence. A run either
// finishes with an assistant summary or suspends with Interrupted when
// tools queued background work.
package fiche

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brigadehq/brigade/pkg/events"
	"github.com/brigadehq/brigade/pkg/llm"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
	"github.com/brigadehq/brigade/pkg/tools"
)

const (
	defaultMaxIterations  = 25
	defaultHistoryWindow  = 40
	defaultHeartbeatEvery = 10 * time.Second
)

// ErrCanceled is returned when the course was cancelled externally while
// the run was executing.
var ErrCanceled = errors.New("course cancelled")

// Result is the outcome of a completed (non-interrupted) run.
type Result struct {
	// Summary is the final assistant text of the turn.
	Summary string
	// Usage is the token accounting summed over every LLM call in the run.
	Usage llm.Usage
	// NewMessages are the assistant and tool messages written to the
	// thread by this run, in insertion order.
	NewMessages []*models.ThreadMessage
}

// Runner drives the LLM loop for one fiche over one thread.
type Runner struct {
	store        *store.Store
	registry     *tools.Registry
	llm          llm.Client
	checkpointer *Checkpointer

	maxIterations  int
	historyWindow  int
	heartbeatEvery time.Duration
	streamTokens   bool
	logger         *slog.Logger
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithMaxIterations caps LLM round trips per run.
func WithMaxIterations(n int) RunnerOption {
	return func(r *Runner) { r.maxIterations = n }
}

// WithHistoryWindow caps how many processed messages are replayed as
// conversation context.
func WithHistoryWindow(n int) RunnerOption {
	return func(r *Runner) { r.historyWindow = n }
}

// WithTokenStreaming turns on per-token event emission.
func WithTokenStreaming(on bool) RunnerOption {
	return func(r *Runner) { r.streamTokens = on }
}

// WithHeartbeatInterval overrides the liveness event period.
func WithHeartbeatInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.heartbeatEvery = d }
}

// NewRunner wires a runner over the store, tool registry, and LLM client.
func NewRunner(s *store.Store, registry *tools.Registry, client llm.Client, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:          s,
		registry:       registry,
		llm:            client,
		checkpointer:   NewCheckpointer(s),
		maxIterations:  defaultMaxIterations,
		historyWindow:  defaultHistoryWindow,
		heartbeatEvery: defaultHeartbeatEvery,
		logger:         slog.Default().With("component", "fiche_runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one turn of the fiche over the thread. It returns
// *Interrupted (as error) when a tool batch queued commis work, ErrCanceled
// when the course was cancelled externally, and the run result otherwise.
// Tool failures never abort the run; infrastructure failures do.
func (r *Runner) Run(ctx context.Context, f *models.Fiche, thread *models.Thread, ec *tools.ExecContext, em *events.Emitter) (*Result, error) {
	logger := r.logger.With("fiche_id", f.ID, "thread_id", thread.ID, "course_id", ec.CourseID)

	all, err := r.store.ListMessages(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("loading thread messages: %w", err)
	}
	history, input := splitMessages(all, r.historyWindow)

	checkpoint, err := r.checkpointer.Load(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	bound := r.registry.Resolve(f.AllowedTools)
	toolDefs := make([]llm.ToolDef, 0, len(bound))
	for _, t := range bound {
		toolDefs = append(toolDefs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}

	conversation := toLLMMessages(append(history, input...))

	stopHeartbeat := r.startHeartbeat(ctx, em)
	defer stopHeartbeat()

	result := &Result{}
	messageUUID := em.MessageUUID()

	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		if err := r.checkCancelled(ctx, ec.CourseID); err != nil {
			return nil, err
		}

		var stream llm.StreamFunc
		if r.streamTokens {
			stream = func(token string) { em.Token(ctx, token) }
		}
		resp, err := r.llm.Complete(ctx, llm.Request{
			Model:           r.model(f, ec),
			System:          systemPrompt(f),
			Messages:        conversation,
			Tools:           toolDefs,
			ReasoningEffort: ec.ReasoningEffort,
		}, stream)
		if err != nil {
			return nil, fmt.Errorf("llm completion: %w", err)
		}
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens

		assistant, err := r.store.AppendMessage(ctx, nil, &models.ThreadMessage{
			ThreadID:    thread.ID,
			Role:        models.RoleAssistant,
			Content:     resp.Content,
			ToolCalls:   models.ToolCallList(resp.ToolCalls),
			MessageUUID: messageUUID,
			Processed:   true,
		})
		if err != nil {
			return nil, fmt.Errorf("persisting assistant message: %w", err)
		}
		result.NewMessages = append(result.NewMessages, assistant)
		conversation = append(conversation, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		messageUUID = uuid.NewString()

		if len(resp.ToolCalls) == 0 {
			result.Summary = resp.Content
			if err := r.finishRun(ctx, thread.ID, input, checkpoint, iteration); err != nil {
				return nil, err
			}
			logger.Info("Fiche run complete", "iterations", iteration,
				"input_tokens", result.Usage.InputTokens, "output_tokens", result.Usage.OutputTokens)
			return result, nil
		}

		envelopes := r.dispatchTools(ctx, ec, em, resp.ToolCalls)

		// Calls that queued commis work get no tool message now; the
		// barrier release injects their result when the worker reports
		// back. Persisting one here would answer the call twice.
		pending := ec.TakePendingJobs()
		pendingCalls := make(map[string]bool, len(pending))
		for _, job := range pending {
			pendingCalls[job.ToolCallID] = true
		}

		for i, call := range resp.ToolCalls {
			if pendingCalls[call.ID] {
				continue
			}
			env := envelopes[i]
			toolMsg, err := r.store.AppendMessage(ctx, nil, &models.ThreadMessage{
				ThreadID:   thread.ID,
				Role:       models.RoleTool,
				Content:    env.JSON(),
				ToolCallID: call.ID,
				Processed:  true,
			})
			if err != nil {
				return nil, fmt.Errorf("persisting tool message: %w", err)
			}
			result.NewMessages = append(result.NewMessages, toolMsg)
			conversation = append(conversation, llm.Message{
				Role:       llm.RoleTool,
				Content:    env.JSON(),
				ToolCallID: call.ID,
			})
		}

		if len(pending) > 0 {
			jobIDs := make([]int64, len(pending))
			for i, job := range pending {
				jobIDs[i] = job.ID
			}
			if err := r.finishRun(ctx, thread.ID, input, checkpoint, iteration); err != nil {
				return nil, err
			}
			logger.Info("Fiche run interrupted", "job_ids", jobIDs)
			return nil, &Interrupted{Reason: InterruptReasonCommisPending, JobIDs: jobIDs}
		}
	}

	return nil, fmt.Errorf("fiche %d: no terminal response after %d iterations", f.ID, r.maxIterations)
}

// dispatchTools runs a tool batch. Started events precede dispatch;
// execution is parallel; completed and failed events land before return,
// so nothing from the batch trails into the next LLM call.
func (r *Runner) dispatchTools(ctx context.Context, ec *tools.ExecContext, em *events.Emitter, calls []models.ToolCall) []tools.Envelope {
	for _, call := range calls {
		em.ToolStarted(ctx, call.Name, call.ID, call.Args)
	}

	envelopes := make([]tools.Envelope, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					envelopes[i] = tools.Failure(tools.ErrTypeExecution,
						fmt.Sprintf("tool %s panicked: %v", call.Name, rec), nil)
				}
			}()
			args := models.JSONMap{}
			if len(call.Args) > 0 {
				if err := args.Scan([]byte(call.Args)); err != nil {
					envelopes[i] = tools.Failure(tools.ErrTypeValidation,
						fmt.Sprintf("unparseable arguments for %s: %v", call.Name, err), nil)
					return
				}
			}
			envelopes[i] = r.registry.Dispatch(tools.WithCallID(ctx, call.ID), ec, call.Name, args)
		}(i, call)
	}
	wg.Wait()

	for i, call := range calls {
		env := envelopes[i]
		if env.OK {
			em.ToolCompleted(ctx, call.Name, call.ID, env.Data, models.JSONMap{"data": env.Data})
		} else {
			em.ToolFailed(ctx, call.Name, call.ID, env.ErrorType, env.UserMessage)
		}
	}
	return envelopes
}

// finishRun marks consumed input and saves the checkpoint. Input stays
// unprocessed on infrastructure failure so a retry reconsumes it.
func (r *Runner) finishRun(ctx context.Context, threadID int64, input []*models.ThreadMessage, checkpoint models.JSONMap, iterations int) error {
	ids := make([]int64, 0, len(input))
	for _, m := range input {
		ids = append(ids, m.ID)
	}
	if len(ids) > 0 {
		if err := r.store.MarkMessagesProcessed(ctx, nil, ids); err != nil {
			return fmt.Errorf("marking input processed: %w", err)
		}
	}
	checkpoint["iterations"] = iterations
	if err := r.checkpointer.Save(ctx, threadID, checkpoint); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// checkCancelled polls the course row between suspension points so external
// cancellation lands without signalling machinery.
func (r *Runner) checkCancelled(ctx context.Context, courseID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	course, err := r.store.GetCourse(ctx, courseID)
	if err != nil {
		return fmt.Errorf("checking course status: %w", err)
	}
	if course.Status == models.CourseStatusFailed {
		return ErrCanceled
	}
	return nil
}

func (r *Runner) startHeartbeat(ctx context.Context, em *events.Emitter) func() {
	if r.heartbeatEvery <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				em.Heartbeat(ctx)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (r *Runner) model(f *models.Fiche, ec *tools.ExecContext) string {
	if ec.Model != "" {
		return ec.Model
	}
	return f.Model
}

func systemPrompt(f *models.Fiche) string {
	prompt := f.SystemInstructions
	if f.TaskInstructions != "" {
		prompt += "\n\n" + f.TaskInstructions
	}
	return prompt
}

// splitMessages separates already-consumed history from fresh input. The
// window caps history length; input is never trimmed.
func splitMessages(all []*models.ThreadMessage, window int) (history, input []*models.ThreadMessage) {
	for _, m := range all {
		if m.Processed {
			history = append(history, m)
		} else {
			input = append(input, m)
		}
	}
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	return history, input
}

func toLLMMessages(msgs []*models.ThreadMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		msg := llm.Message{Content: m.Content}
		switch m.Role {
		case models.RoleAssistant:
			msg.Role = llm.RoleAssistant
			msg.ToolCalls = []models.ToolCall(m.ToolCalls)
		case models.RoleTool:
			msg.Role = llm.RoleTool
			msg.ToolCallID = m.ToolCallID
		case models.RoleSystem:
			msg.Role = llm.RoleSystem
		default:
			msg.Role = llm.RoleUser
		}
		out = append(out, msg)
	}
	return out
}
