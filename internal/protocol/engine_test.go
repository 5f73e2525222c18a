package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentex/internal/domain"
)

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, call Call, updates chan<- Update) (Result, error) {
		updates <- StatusUpdate{Message: "thinking"}
		updates <- ArtifactUpdate{Artifact: domain.Artifact{Name: "echo.txt", Parts: []domain.Part{domain.TextPart(call.Message.Text())}}}
		return Result{Parts: []domain.Part{domain.TextPart("echo: " + call.Message.Text())}}, nil
	})
}

func userMessage(text string) domain.Message {
	return domain.Message{Role: "user", Parts: []domain.Part{domain.TextPart(text)}}
}

func TestSendMessageCompletesTask(t *testing.T) {
	eng := NewEngine(echoHandler(), nil)
	task, err := eng.SendMessage(context.Background(), SendParams{SessionID: "s1", Message: userMessage("hi")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if task.Status.State != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", task.Status.State)
	}
	if task.SessionID != "s1" || len(task.History) != 2 {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.History[0].Text() != "hi" || task.History[0].Role != "user" {
		t.Fatalf("first history entry must be the request: %+v", task.History[0])
	}
	if task.History[1].Role != "agent" || task.History[1].Text() != "echo: hi" {
		t.Fatalf("unexpected reply %+v", task.History[1])
	}
	if len(task.Artifacts) != 1 || task.Artifacts[0].Name != "echo.txt" {
		t.Fatalf("unexpected artifacts %+v", task.Artifacts)
	}
}

func TestStreamMessageReportsStates(t *testing.T) {
	eng := NewEngine(echoHandler(), nil)
	var states []domain.TaskState
	_, err := eng.StreamMessage(context.Background(), SendParams{Message: userMessage("x")}, func(t domain.Task) {
		states = append(states, t.Status.State)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []domain.TaskState{domain.TaskSubmitted, domain.TaskWorking, domain.TaskWorking, domain.TaskWorking, domain.TaskCompleted}
	if len(states) != len(want) {
		t.Fatalf("states %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states %v, want %v", states, want)
		}
	}
}

func TestHandlerErrorFailsTask(t *testing.T) {
	eng := NewEngine(HandlerFunc(func(ctx context.Context, call Call, updates chan<- Update) (Result, error) {
		return Result{}, errors.New("model unavailable")
	}), nil)
	task, err := eng.SendMessage(context.Background(), SendParams{Message: userMessage("x")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if task.Status.State != domain.TaskFailed {
		t.Fatalf("expected failed, got %s", task.Status.State)
	}
	if got := task.History[len(task.History)-1].Text(); got != "model unavailable" {
		t.Fatalf("error text not carried: %q", got)
	}
}

func TestHandlerPanicFailsTask(t *testing.T) {
	eng := NewEngine(HandlerFunc(func(ctx context.Context, call Call, updates chan<- Update) (Result, error) {
		updates <- StatusUpdate{}
		panic("boom")
	}), nil)
	task, err := eng.SendMessage(context.Background(), SendParams{Message: userMessage("x")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if task.Status.State != domain.TaskFailed {
		t.Fatalf("expected failed, got %s", task.Status.State)
	}
}

func TestTerminalStatusUpdateIgnored(t *testing.T) {
	eng := NewEngine(HandlerFunc(func(ctx context.Context, call Call, updates chan<- Update) (Result, error) {
		updates <- StatusUpdate{State: domain.TaskCompleted}
		updates <- StatusUpdate{State: domain.TaskSubmitted}
		return Result{Parts: []domain.Part{domain.TextPart("ok")}}, nil
	}), nil)
	task, err := eng.SendMessage(context.Background(), SendParams{Message: userMessage("x")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if task.Status.State != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", task.Status.State)
	}
}

func TestInputRequiredResumes(t *testing.T) {
	calls := 0
	eng := NewEngine(HandlerFunc(func(ctx context.Context, call Call, updates chan<- Update) (Result, error) {
		calls++
		if calls == 1 {
			return Result{Parts: []domain.Part{domain.TextPart("how many pages?")}, NeedsInput: true}, nil
		}
		return Result{Parts: []domain.Part{domain.TextPart("done with " + call.Message.Text())}}, nil
	}), nil)
	ctx := context.Background()
	task, err := eng.SendMessage(ctx, SendParams{Message: userMessage("review")})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status.State != domain.TaskInputRequired {
		t.Fatalf("expected input-required, got %s", task.Status.State)
	}
	task, err = eng.SendMessage(ctx, SendParams{TaskID: task.ID, Message: userMessage("12")})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if task.Status.State != domain.TaskCompleted || len(task.History) != 4 {
		t.Fatalf("unexpected resumed task %+v", task)
	}
	if _, err := eng.SendMessage(ctx, SendParams{TaskID: task.ID, Message: userMessage("again")}); err == nil {
		t.Fatalf("completed task must not resume")
	}
}

func TestCancelCompletedTaskIsUnconditional(t *testing.T) {
	eng := NewEngine(echoHandler(), nil)
	task, _ := eng.SendMessage(context.Background(), SendParams{Message: userMessage("x")})
	canceled, err := eng.CancelTask(task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status.State != domain.TaskCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status.State)
	}
	if _, err := eng.CancelTask("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := eng.GetTask("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelSignalsRunningHandler(t *testing.T) {
	started := make(chan string, 1)
	eng := NewEngine(HandlerFunc(func(ctx context.Context, call Call, updates chan<- Update) (Result, error) {
		started <- call.TaskID
		<-ctx.Done()
		return Result{Parts: []domain.Part{domain.TextPart("late")}}, nil
	}), nil)
	var wg sync.WaitGroup
	var final domain.Task
	wg.Add(1)
	go func() {
		defer wg.Done()
		final, _ = eng.SendMessage(context.Background(), SendParams{Message: userMessage("x")})
	}()
	var id string
	select {
	case id = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	if _, err := eng.CancelTask(id); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if final.Status.State != domain.TaskCanceled {
		t.Fatalf("cancel must win over late result, got %s", final.Status.State)
	}
	if len(final.History) != 1 {
		t.Fatalf("late result must be discarded: %+v", final.History)
	}
}

func TestTransitionsNeverLeaveTerminalStates(t *testing.T) {
	all := []domain.TaskState{domain.TaskSubmitted, domain.TaskWorking, domain.TaskInputRequired, domain.TaskCompleted, domain.TaskFailed, domain.TaskCanceled}
	for _, from := range all {
		for _, to := range all {
			err := ensureTransition(from, to)
			if from.Terminal() && err == nil {
				t.Fatalf("%s -> %s allowed from terminal state", from, to)
			}
			if to == domain.TaskSubmitted && err == nil {
				t.Fatalf("%s -> submitted allowed", from)
			}
		}
	}
}
