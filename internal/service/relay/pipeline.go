package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/model/chat"
	"github.com/voxrelay/voxrelay/internal/service/history"
	"github.com/voxrelay/voxrelay/internal/service/llm"
)

const persistTimeout = 10 * time.Second

// Pipeline orchestrates one request/response turn: append the user
// message, fetch canonical history, invoke inference, and fan the
// framed output out to the live consumer and to a background
// accumulator that persists the full reply.
type Pipeline struct {
	store  history.Store
	client *llm.Client
	cfg    config.LLMConfig
}

// NewPipeline wires a pipeline over the session log and inference client.
func NewPipeline(store history.Store, client *llm.Client, cfg config.LLMConfig) *Pipeline {
	return &Pipeline{store: store, client: client, cfg: cfg}
}

// Reply is one in-flight turn. Live carries the raw framed stream
// exactly as produced upstream; closing it releases the live path
// without touching the background accumulator.
type Reply struct {
	Live io.ReadCloser

	done    chan struct{}
	saveErr error
}

// Wait blocks until background persistence has settled and reports its
// outcome. The live stream ending does not imply persistence completed.
func (r *Reply) Wait() error {
	<-r.done
	return r.saveErr
}

// RunTurn starts one turn for the session. A nonempty userMessage is
// appended to the log before generation begins, so a crash mid-turn
// leaves a replayable history. Failures before the first upstream byte
// surface here; everything later flows through the streams.
func (p *Pipeline) RunTurn(ctx context.Context, sessionID, userMessage string) (*Reply, error) {
	if userMessage != "" {
		msg := chat.Message{Role: chat.RoleUser, Content: userMessage}
		if err := p.store.Append(ctx, sessionID, msg); err != nil {
			return nil, fmt.Errorf("append user message: %w", err)
		}
	}

	messages, err := p.store.GetAll(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	turnCtx := ctx
	cancel := context.CancelFunc(func() {})
	if p.cfg.TurnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, p.cfg.TurnTimeout)
	}

	body, err := p.client.Stream(turnCtx, p.canonicalHistory(messages))
	if err != nil {
		cancel()
		return nil, err
	}

	pr, pw := io.Pipe()
	reply := &Reply{Live: pr, done: make(chan struct{})}
	go p.pump(ctx, cancel, sessionID, body, pw, reply)

	return reply, nil
}

// canonicalHistory builds the view presented to the inference service:
// exactly one system message (the first persisted one, else the
// configured default) followed by every non-system message in order.
// The injected default is never written back to the log.
func (p *Pipeline) canonicalHistory(messages []chat.Message) []chat.Message {
	system := chat.Message{Role: chat.RoleSystem, Content: p.cfg.SystemPrompt}
	for _, msg := range messages {
		if msg.Role == chat.RoleSystem {
			system = msg
			break
		}
	}

	canonical := make([]chat.Message, 0, len(messages)+1)
	canonical = append(canonical, system)
	for _, msg := range messages {
		if msg.Role == chat.RoleSystem {
			continue
		}
		canonical = append(canonical, msg)
	}
	return canonical
}

// pump is the single reader of the upstream body. Each chunk is decoded
// into the reply accumulator first, then forwarded to the live pipe; a
// closed live reader only stops the forwarding, never the accumulation,
// which is how partial replies survive a client disconnect.
func (p *Pipeline) pump(ctx context.Context, cancel context.CancelFunc, sessionID string, body io.ReadCloser, pw *io.PipeWriter, reply *Reply) {
	defer close(reply.done)
	defer cancel()
	defer body.Close()

	var decoder llm.Decoder
	var full strings.Builder
	liveOpen := true
	buf := make([]byte, 32*1024)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, event := range decoder.Feed(buf[:n]) {
				if fragment, done := llm.Extract(event); !done {
					full.WriteString(fragment)
				}
			}
			if liveOpen {
				if _, werr := pw.Write(buf[:n]); werr != nil {
					liveOpen = false
				}
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				log.Printf("[relay] upstream read ended early session=%s: %v", sessionID, readErr)
			}
			break
		}
	}

	for _, event := range decoder.Flush() {
		if fragment, done := llm.Extract(event); !done {
			full.WriteString(fragment)
		}
	}

	pw.Close()

	if full.Len() > 0 {
		// Persistence must outlive the client connection.
		saveCtx, saveCancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer saveCancel()

		msg := chat.Message{Role: chat.RoleAssistant, Content: full.String()}
		if err := p.store.Append(saveCtx, sessionID, msg); err != nil {
			log.Printf("[relay] failed to persist assistant message session=%s: %v", sessionID, err)
			reply.saveErr = err
		}
	}
}
