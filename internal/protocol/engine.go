// Package protocol implements the task engine and JSON-RPC dispatcher agents
// use to exchange work and bids.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agentex/internal/domain"
)

// Update is an intermediate event a handler streams while it works.
type Update interface {
	isUpdate()
}

// StatusUpdate changes the task status. An empty State means working.
type StatusUpdate struct {
	State   domain.TaskState
	Message string
}

// ArtifactUpdate appends a named output bundle to the task.
type ArtifactUpdate struct {
	Artifact domain.Artifact
}

func (StatusUpdate) isUpdate()   {}
func (ArtifactUpdate) isUpdate() {}

// Result is the terminal outcome of a handler run. Its parts become the agent
// reply. NeedsInput parks the task in input-required instead of completing it.
type Result struct {
	Parts      []domain.Part
	NeedsInput bool
}

// Call is what a handler sees of an incoming message.
type Call struct {
	TaskID    string
	SessionID string
	Message   domain.Message
	History   []domain.Message
	Auth      map[string]any
}

// Handler produces the work for a task. Updates sent on the channel are applied
// in order; the returned Result is the single terminal event. Handlers must not
// send after returning.
type Handler interface {
	Handle(ctx context.Context, call Call, updates chan<- Update) (Result, error)
}

type HandlerFunc func(ctx context.Context, call Call, updates chan<- Update) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, call Call, updates chan<- Update) (Result, error) {
	return f(ctx, call, updates)
}

type SendParams struct {
	TaskID    string
	SessionID string
	Message   domain.Message
	Metadata  map[string]any
	Auth      map[string]any
}

type Engine struct {
	Store   *TaskStore
	Handler Handler
	Logger  *slog.Logger
	Now     func() time.Time
}

func NewEngine(h Handler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Store: NewTaskStore(), Handler: h, Logger: logger, Now: time.Now}
}

func (e *Engine) now() string {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// SendMessage runs the handler for a new or resumed task and returns the final snapshot.
func (e *Engine) SendMessage(ctx context.Context, p SendParams) (domain.Task, error) {
	return e.run(ctx, p, nil)
}

// StreamMessage is SendMessage reporting a snapshot after every applied change.
func (e *Engine) StreamMessage(ctx context.Context, p SendParams, observe func(domain.Task)) (domain.Task, error) {
	return e.run(ctx, p, observe)
}

// GetTask returns a task snapshot.
func (e *Engine) GetTask(id string) (domain.Task, error) {
	return e.Store.Get(id)
}

// CancelTask marks a task canceled whatever its state and signals its handler.
func (e *Engine) CancelTask(id string) (domain.Task, error) {
	ts := e.now()
	task, err := e.Store.update(id, func(t *domain.Task) error {
		t.Status = domain.TaskStatus{State: domain.TaskCanceled, Timestamp: ts}
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if cancel := e.Store.cancelFunc(id); cancel != nil {
		cancel()
	}
	e.log().Info("task canceled", "task_id", id)
	return task, nil
}

type outcome struct {
	result Result
	err    error
}

func (e *Engine) run(ctx context.Context, p SendParams, observe func(domain.Task)) (domain.Task, error) {
	if e.Handler == nil {
		return domain.Task{}, errors.New("no task handler configured")
	}
	if observe == nil {
		observe = func(domain.Task) {}
	}
	msg := p.Message
	if msg.Role == "" {
		msg.Role = "user"
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	taskID := p.TaskID
	if taskID == "" {
		taskID = msg.TaskID
	}

	var (
		task domain.Task
		err  error
	)
	if taskID != "" {
		task, err = e.resume(taskID, msg)
		if err != nil {
			return domain.Task{}, err
		}
	} else {
		task = e.create(p, msg)
		observe(task)
		task, err = e.setStatus(task.ID, domain.TaskWorking, "")
		if err != nil {
			return task, err
		}
	}
	observe(task)

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.Store.setCancel(task.ID, cancel)
	defer e.Store.clearCancel(task.ID)

	call := Call{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Message:   msg,
		History:   task.History,
		Auth:      p.Auth,
	}
	updates := make(chan Update)
	done := make(chan outcome, 1)
	go func() {
		defer close(updates)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := e.Handler.Handle(hctx, call, updates)
		done <- outcome{result: res, err: err}
	}()

	for u := range updates {
		snap, applied := e.apply(task.ID, u)
		if applied {
			observe(snap)
		}
	}
	out := <-done

	final, err := e.finish(task.ID, out)
	if err != nil {
		return final, err
	}
	observe(final)
	return final, nil
}

func (e *Engine) create(p SendParams, msg domain.Message) domain.Task {
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	id := uuid.NewString()
	msg.TaskID = id
	meta := map[string]any{}
	for k, v := range p.Metadata {
		meta[k] = v
	}
	task := e.Store.create(domain.Task{
		ID:        id,
		SessionID: sessionID,
		Status:    domain.TaskStatus{State: domain.TaskSubmitted, Timestamp: e.now()},
		History:   []domain.Message{msg},
		Artifacts: []domain.Artifact{},
		Metadata:  meta,
	})
	e.log().Debug("task submitted", "task_id", id, "session_id", sessionID)
	return task
}

func (e *Engine) resume(id string, msg domain.Message) (domain.Task, error) {
	ts := e.now()
	msg.TaskID = id
	return e.Store.update(id, func(t *domain.Task) error {
		if t.Status.State != domain.TaskInputRequired {
			return TransitionError{From: t.Status.State, To: domain.TaskWorking}
		}
		t.History = append(t.History, msg)
		t.Status = domain.TaskStatus{State: domain.TaskWorking, Timestamp: ts}
		return nil
	})
}

func (e *Engine) setStatus(id string, state domain.TaskState, message string) (domain.Task, error) {
	ts := e.now()
	return e.Store.update(id, func(t *domain.Task) error {
		if err := ensureTransition(t.Status.State, state); err != nil {
			return err
		}
		t.Status = domain.TaskStatus{State: state, Message: message, Timestamp: ts}
		return nil
	})
}

// apply records one handler update. Terminal states only arrive through the Result.
func (e *Engine) apply(id string, u Update) (domain.Task, bool) {
	switch u := u.(type) {
	case StatusUpdate:
		state := u.State
		if state == "" {
			state = domain.TaskWorking
		}
		if state.Terminal() {
			e.log().Warn("handler status update dropped", "task_id", id, "state", state)
			return domain.Task{}, false
		}
		snap, err := e.setStatus(id, state, u.Message)
		if err != nil {
			e.log().Warn("handler status update dropped", "task_id", id, "error", err)
			return domain.Task{}, false
		}
		return snap, true
	case ArtifactUpdate:
		snap, err := e.Store.update(id, func(t *domain.Task) error {
			if t.Status.State.Terminal() {
				return TransitionError{From: t.Status.State, To: t.Status.State}
			}
			a := u.Artifact
			if a.Name == "" {
				a.Name = "result"
			}
			t.Artifacts = append(t.Artifacts, a)
			return nil
		})
		if err != nil {
			e.log().Warn("handler artifact dropped", "task_id", id, "error", err)
			return domain.Task{}, false
		}
		return snap, true
	}
	return domain.Task{}, false
}

func (e *Engine) finish(id string, out outcome) (domain.Task, error) {
	ts := e.now()
	reply := domain.Message{Role: "agent", MessageID: uuid.NewString(), TaskID: id}
	state := domain.TaskCompleted
	statusMsg := ""
	switch {
	case out.err != nil:
		state = domain.TaskFailed
		statusMsg = out.err.Error()
		reply.Parts = []domain.Part{domain.TextPart(out.err.Error())}
	case out.result.NeedsInput:
		state = domain.TaskInputRequired
		reply.Parts = out.result.Parts
	default:
		reply.Parts = out.result.Parts
	}
	task, err := e.Store.update(id, func(t *domain.Task) error {
		if t.Status.State == domain.TaskCanceled {
			return nil
		}
		if err := ensureTransition(t.Status.State, state); err != nil {
			return err
		}
		if len(reply.Parts) > 0 {
			t.History = append(t.History, reply)
		}
		t.Status = domain.TaskStatus{State: state, Message: statusMsg, Timestamp: ts}
		return nil
	})
	if err != nil {
		return task, err
	}
	switch {
	case task.Status.State == domain.TaskCanceled:
		e.log().Info("task result discarded after cancel", "task_id", id)
	case out.err != nil:
		e.log().Warn("task failed", "task_id", id, "error", out.err)
	default:
		e.log().Debug("task finished", "task_id", id, "state", task.Status.State)
	}
	return task, nil
}
