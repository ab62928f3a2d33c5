package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/events"
	"github.com/brigadehq/brigade/pkg/masking"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

const (
	// writeTimeout bounds one WebSocket send.
	writeTimeout = 10 * time.Second

	// cancelGrace is added to a job's timeout before the dispatcher gives
	// up on the runner answering.
	cancelGrace = 5 * time.Second

	// rowTailLimit bounds the stdout/stderr tails persisted on the job row.
	rowTailLimit = 10 * 1024

	// chunkEventLimit truncates output data inside worker_output_chunk
	// events; the full tail stays in the output buffer.
	chunkEventLimit = 4 * 1024

	defaultExecTimeoutSecs = 60
)

// Dispatch failures the caller can translate into tool envelopes.
var (
	ErrRunnerOffline = errors.New("runner is not connected")
	ErrRunnerBusy    = errors.New("runner is busy with another job")
)

// ExecRequest is one command dispatch.
type ExecRequest struct {
	RunnerID    int64
	OwnerID     int64
	WorkerID    string
	CourseID    *int64
	Command     string
	TimeoutSecs int
}

// Dispatcher routes exec requests to connected runners, enforcing one
// in-flight job per runner, and closes out job rows from runner replies.
type Dispatcher struct {
	store  *store.Store
	log    *events.Log
	buffer *OutputBuffer
	masker *masking.Masker

	mu       sync.Mutex
	sessions map[int64]*session
}

// session is one live runner connection with its in-flight job.
type session struct {
	runnerID int64
	name     string
	conn     *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	active *inflight
}

type inflight struct {
	jobID    string
	workerID string
	courseID *int64
	stdout   []byte
	stderr   []byte
	done     chan *Frame
}

// NewDispatcher creates a dispatcher. All runner output is passed through
// the secret masker before it is buffered, persisted, or streamed.
func NewDispatcher(s *store.Store, log *events.Log, buffer *OutputBuffer) *Dispatcher {
	return &Dispatcher{
		store:    s,
		log:      log,
		buffer:   buffer,
		masker:   masking.New(),
		sessions: make(map[int64]*session),
	}
}

// Masker returns the dispatcher's output masker, for registering resolved
// credentials as literals before a command runs.
func (d *Dispatcher) Masker() *masking.Masker { return d.masker }

// Buffer returns the live output buffer.
func (d *Dispatcher) Buffer() *OutputBuffer { return d.buffer }

// CanAccept reports whether the runner is connected and idle.
func (d *Dispatcher) CanAccept(runnerID int64) bool {
	d.mu.Lock()
	sess := d.sessions[runnerID]
	d.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.active == nil
}

// Connected reports whether the runner has a live session.
func (d *Dispatcher) Connected(runnerID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[runnerID] != nil
}

// SessionCount returns the number of live runner sessions.
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// attach registers a runner connection, replacing any stale session.
func (d *Dispatcher) attach(runner *models.Runner, conn *websocket.Conn) *session {
	sess := &session{runnerID: runner.ID, name: runner.Name, conn: conn}
	d.mu.Lock()
	old := d.sessions[runner.ID]
	d.sessions[runner.ID] = sess
	d.mu.Unlock()
	if old != nil {
		_ = old.conn.Close(websocket.StatusPolicyViolation, "replaced by new connection")
		d.failInflight(old, "runner reconnected")
	}
	return sess
}

// detach removes the session and fails anything still in flight.
func (d *Dispatcher) detach(sess *session) {
	d.mu.Lock()
	if d.sessions[sess.runnerID] == sess {
		delete(d.sessions, sess.runnerID)
	}
	d.mu.Unlock()
	d.failInflight(sess, "runner disconnected")
}

func (d *Dispatcher) failInflight(sess *session, reason string) {
	sess.mu.Lock()
	job := sess.active
	sess.active = nil
	sess.mu.Unlock()
	if job == nil {
		return
	}
	select {
	case job.done <- &Frame{Type: frameExecError, JobID: job.jobID, Error: reason}:
	default:
	}
}

// Execute dispatches a command and blocks until the runner reports back,
// the job times out, or ctx is cancelled. The returned job row is terminal.
// ErrRunnerOffline and ErrRunnerBusy are returned without creating a row.
func (d *Dispatcher) Execute(ctx context.Context, req *ExecRequest) (*models.RunnerJob, error) {
	if req.TimeoutSecs <= 0 {
		req.TimeoutSecs = defaultExecTimeoutSecs
	}

	d.mu.Lock()
	sess := d.sessions[req.RunnerID]
	d.mu.Unlock()
	if sess == nil {
		return nil, ErrRunnerOffline
	}

	job := &inflight{
		jobID:    uuid.NewString(),
		workerID: req.WorkerID,
		courseID: req.CourseID,
		done:     make(chan *Frame, 1),
	}
	sess.mu.Lock()
	if sess.active != nil {
		sess.mu.Unlock()
		return nil, ErrRunnerBusy
	}
	sess.active = job
	sess.mu.Unlock()

	release := func() {
		sess.mu.Lock()
		if sess.active == job {
			sess.active = nil
		}
		sess.mu.Unlock()
	}

	row, err := d.store.CreateRunnerJob(ctx, &models.RunnerJob{
		ID:          job.jobID,
		RunnerID:    req.RunnerID,
		OwnerID:     req.OwnerID,
		WorkerID:    req.WorkerID,
		CourseID:    req.CourseID,
		Command:     req.Command,
		TimeoutSecs: req.TimeoutSecs,
		Status:      models.RunnerJobRunning,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("creating runner job: %w", err)
	}

	d.buffer.Append(req.WorkerID, fmt.Sprintf("--- job %s on %s: %s ---\n", job.jobID, sess.name, req.Command))

	if err := sess.send(&Frame{
		Type:        frameExecRequest,
		JobID:       job.jobID,
		Command:     req.Command,
		TimeoutSecs: req.TimeoutSecs,
	}); err != nil {
		release()
		return d.closeJob(row, job, models.RunnerJobFailed, nil, fmt.Sprintf("sending exec_request: %v", err))
	}

	timer := time.NewTimer(time.Duration(req.TimeoutSecs)*time.Second + cancelGrace)
	defer timer.Stop()

	select {
	case frame := <-job.done:
		release()
		switch {
		case frame.Type == frameExecError:
			return d.closeJob(row, job, models.RunnerJobFailed, nil, frame.Error)
		case frame.ExitCode != nil && *frame.ExitCode == 0:
			return d.closeJob(row, job, models.RunnerJobSuccess, frame.ExitCode, "")
		default:
			return d.closeJob(row, job, models.RunnerJobFailed, frame.ExitCode, "")
		}
	case <-timer.C:
		release()
		_ = sess.send(&Frame{Type: frameCancel, JobID: job.jobID})
		return d.closeJob(row, job, models.RunnerJobTimeout, nil,
			fmt.Sprintf("no completion within %ds", req.TimeoutSecs))
	case <-ctx.Done():
		release()
		_ = sess.send(&Frame{Type: frameCancel, JobID: job.jobID})
		return d.closeJob(row, job, models.RunnerJobCancelled, nil, "cancelled")
	}
}

func (d *Dispatcher) closeJob(row *models.RunnerJob, job *inflight, status models.RunnerJobStatus, exitCode *int, errMsg string) (*models.RunnerJob, error) {
	// Terminal writes run on a fresh context so a cancelled dispatch still
	// records its outcome.
	if err := d.store.FinishRunnerJob(context.Background(), row.ID, status, exitCode,
		string(job.stdout), string(job.stderr), errMsg); err != nil {
		slog.Error("Failed to finish runner job", "runner_job_id", row.ID, "error", err)
	}
	row.Status = status
	row.ExitCode = exitCode
	row.StdoutTail = string(job.stdout)
	row.StderrTail = string(job.stderr)
	row.Error = errMsg
	return row, nil
}

// HandleFrame processes one runner→server frame for the given runner.
func (d *Dispatcher) HandleFrame(runnerID int64, frame *Frame) {
	d.mu.Lock()
	sess := d.sessions[runnerID]
	d.mu.Unlock()
	if sess == nil {
		return
	}
	switch frame.Type {
	case frameExecChunk:
		d.handleChunk(sess, frame)
	case frameExecDone, frameExecError:
		sess.mu.Lock()
		job := sess.active
		sess.mu.Unlock()
		if job == nil || job.jobID != frame.JobID {
			slog.Warn("Completion for unknown runner job", "runner_id", runnerID, "job_id", frame.JobID)
			return
		}
		select {
		case job.done <- frame:
		default:
		}
	}
}

func (d *Dispatcher) handleChunk(sess *session, frame *Frame) {
	sess.mu.Lock()
	job := sess.active
	sess.mu.Unlock()
	if job == nil || job.jobID != frame.JobID {
		return
	}

	masked := d.masker.Mask(frame.Data)
	data := masked
	if frame.Stream == streamStderr {
		data = "[stderr] " + masked
		job.stderr = appendTail(job.stderr, masked)
	} else {
		job.stdout = appendTail(job.stdout, masked)
	}
	d.buffer.Append(job.workerID, data)

	if job.courseID != nil {
		payload := models.JSONMap{
			"worker_id": job.workerID,
			"job_id":    job.jobID,
			"stream":    frame.Stream,
			"data":      truncate(masked, chunkEventLimit),
		}
		if _, err := d.log.Append(context.Background(), *job.courseID, bus.EventWorkerOutputChunk, payload); err != nil {
			slog.Error("Failed to append worker output event", "course_id", *job.courseID, "error", err)
		}
	}
}

// send writes one frame with the write timeout. Sends are serialized per
// connection.
func (s *session) send(frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func appendTail(tail []byte, data string) []byte {
	tail = append(tail, data...)
	if len(tail) > rowTailLimit {
		tail = tail[len(tail)-rowTailLimit:]
	}
	return tail
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
