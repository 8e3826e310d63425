package relay_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/model/chat"
	"github.com/voxrelay/voxrelay/internal/service/history"
	"github.com/voxrelay/voxrelay/internal/service/llm"
	"github.com/voxrelay/voxrelay/internal/service/relay"
)

type capturedRequest struct {
	Messages []chat.Message `json:"messages"`
}

// newTestPipeline stands up a fake inference service returning the given
// framed body and wires a pipeline over a fresh in-memory store.
func newTestPipeline(t *testing.T, streamBody string, captured *capturedRequest) (*relay.Pipeline, *history.MemoryStore) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decode inference request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, streamBody)
	}))
	t.Cleanup(server.Close)

	cfg := config.LLMConfig{
		BaseURL:      server.URL,
		Model:        "test-model",
		MaxTokens:    64,
		SystemPrompt: "default system prompt",
		TurnTimeout:  5 * time.Second,
	}
	store := history.NewMemoryStore()
	return relay.NewPipeline(store, llm.NewClient(cfg), cfg), store
}

const helloStream = "data: {\"response\":\"Hel\"}\n\ndata: {\"response\":\"lo\"}\n\ndata: [DONE]\n\n"

func TestRunTurnTeeFidelity(t *testing.T) {
	pipeline, store := newTestPipeline(t, helloStream, nil)
	ctx := context.Background()

	reply, err := pipeline.RunTurn(ctx, "s1", "Hi")
	if err != nil {
		t.Fatalf("RunTurn err: %v", err)
	}

	live, err := io.ReadAll(reply.Live)
	if err != nil {
		t.Fatalf("read live stream: %v", err)
	}
	if string(live) != helloStream {
		t.Fatalf("live stream mismatch:\ngot  %q\nwant %q", live, helloStream)
	}

	if err := reply.Wait(); err != nil {
		t.Fatalf("Wait err: %v", err)
	}

	messages, _ := store.GetAll(ctx, "s1")
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}
	if messages[0].Role != chat.RoleUser || messages[0].Content != "Hi" {
		t.Fatalf("unexpected first message: %+v", messages[0])
	}
	if messages[1].Role != chat.RoleAssistant || messages[1].Content != "Hello" {
		t.Fatalf("unexpected assistant message: %+v", messages[1])
	}
}

func TestRunTurnNoParsableContent(t *testing.T) {
	body := "data: not json at all\n\ndata: {\"other\":1}\n\ndata: [DONE]\n\n"
	pipeline, store := newTestPipeline(t, body, nil)
	ctx := context.Background()

	reply, err := pipeline.RunTurn(ctx, "s1", "Hi")
	if err != nil {
		t.Fatalf("RunTurn err: %v", err)
	}
	io.Copy(io.Discard, reply.Live)
	if err := reply.Wait(); err != nil {
		t.Fatalf("Wait err: %v", err)
	}

	messages, _ := store.GetAll(ctx, "s1")
	if len(messages) != 1 {
		t.Fatalf("empty reply must not be persisted, log: %+v", messages)
	}
}

func TestRunTurnInjectsSystemPrompt(t *testing.T) {
	var captured capturedRequest
	pipeline, _ := newTestPipeline(t, helloStream, &captured)

	reply, err := pipeline.RunTurn(context.Background(), "s1", "Hi")
	if err != nil {
		t.Fatalf("RunTurn err: %v", err)
	}
	io.Copy(io.Discard, reply.Live)
	reply.Wait()

	if len(captured.Messages) != 2 {
		t.Fatalf("expected system + user, got %+v", captured.Messages)
	}
	if captured.Messages[0].Role != chat.RoleSystem || captured.Messages[0].Content != "default system prompt" {
		t.Fatalf("expected injected default system message, got %+v", captured.Messages[0])
	}
	if captured.Messages[1].Content != "Hi" {
		t.Fatalf("user message missing from canonical history: %+v", captured.Messages)
	}
}

func TestRunTurnDeduplicatesSystemMessages(t *testing.T) {
	var captured capturedRequest
	pipeline, store := newTestPipeline(t, helloStream, &captured)
	ctx := context.Background()

	store.Append(ctx, "s1", chat.Message{Role: chat.RoleSystem, Content: "first system"})
	store.Append(ctx, "s1", chat.Message{Role: chat.RoleUser, Content: "earlier"})
	store.Append(ctx, "s1", chat.Message{Role: chat.RoleSystem, Content: "second system"})

	reply, err := pipeline.RunTurn(ctx, "s1", "Hi")
	if err != nil {
		t.Fatalf("RunTurn err: %v", err)
	}
	io.Copy(io.Discard, reply.Live)
	reply.Wait()

	systems := 0
	for _, msg := range captured.Messages {
		if msg.Role == chat.RoleSystem {
			systems++
			if msg.Content != "first system" {
				t.Fatalf("expected first system message to survive, got %q", msg.Content)
			}
		}
	}
	if systems != 1 {
		t.Fatalf("expected exactly one system message, got %d", systems)
	}

	// The canonical view is per-call only; the log keeps what it had.
	messages, _ := store.GetAll(ctx, "s1")
	persistedSystems := 0
	for _, msg := range messages {
		if msg.Role == chat.RoleSystem {
			persistedSystems++
		}
	}
	if persistedSystems != 2 {
		t.Fatalf("canonicalization must not rewrite the log, got %d system messages", persistedSystems)
	}
}

func TestRunTurnPersistsAfterLiveConsumerGone(t *testing.T) {
	pipeline, store := newTestPipeline(t, helloStream, nil)
	ctx := context.Background()

	reply, err := pipeline.RunTurn(ctx, "s1", "Hi")
	if err != nil {
		t.Fatalf("RunTurn err: %v", err)
	}

	// Client disconnects before consuming anything.
	reply.Live.Close()

	if err := reply.Wait(); err != nil {
		t.Fatalf("Wait err: %v", err)
	}

	messages, _ := store.GetAll(ctx, "s1")
	if len(messages) != 2 || messages[1].Content != "Hello" {
		t.Fatalf("reply must be persisted without a live consumer, log: %+v", messages)
	}
}

func TestRunTurnUpstreamFailureBeforeFirstByte(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := config.LLMConfig{BaseURL: server.URL, Model: "m", SystemPrompt: "sys"}
	store := history.NewMemoryStore()
	pipeline := relay.NewPipeline(store, llm.NewClient(cfg), cfg)

	if _, err := pipeline.RunTurn(context.Background(), "s1", "Hi"); err == nil {
		t.Fatal("expected error when inference fails before first byte")
	}

	// The user message was appended synchronously before generation, so
	// the history stays replayable.
	messages, _ := store.GetAll(context.Background(), "s1")
	if len(messages) != 1 || messages[0].Role != chat.RoleUser {
		t.Fatalf("unexpected log after failed turn: %+v", messages)
	}
}

func TestRunTurnWatchdogAbortsStalledInference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	cfg := config.LLMConfig{
		BaseURL:      server.URL,
		Model:        "m",
		SystemPrompt: "sys",
		TurnTimeout:  50 * time.Millisecond,
	}
	store := history.NewMemoryStore()
	pipeline := relay.NewPipeline(store, llm.NewClient(cfg), cfg)

	if _, err := pipeline.RunTurn(context.Background(), "s1", "Hi"); err == nil {
		t.Fatal("expected watchdog to abort the stalled inference call")
	}
}

func TestRunTurnWithoutNewUserMessage(t *testing.T) {
	var captured capturedRequest
	pipeline, store := newTestPipeline(t, helloStream, &captured)
	ctx := context.Background()

	store.Append(ctx, "s1", chat.Message{Role: chat.RoleUser, Content: "already appended"})

	reply, err := pipeline.RunTurn(ctx, "s1", "")
	if err != nil {
		t.Fatalf("RunTurn err: %v", err)
	}
	io.Copy(io.Discard, reply.Live)
	reply.Wait()

	messages, _ := store.GetAll(ctx, "s1")
	if len(messages) != 2 {
		t.Fatalf("expected existing user turn + assistant reply, got %+v", messages)
	}
	if len(captured.Messages) != 2 || captured.Messages[1].Content != "already appended" {
		t.Fatalf("canonical history wrong: %+v", captured.Messages)
	}
}
