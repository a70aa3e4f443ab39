// Package relay streams model output to a waiting client. Each provider
// fragment is re-framed as one line-delimited JSON event and flushed
// immediately; the stream ends with either a terminal sentinel or a
// single in-band error event, never both.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/user/schemaforge/pkg/llm"
)

// DoneMarker terminates a successful outbound stream. It is a bare line,
// deliberately not valid JSON, so clients cannot confuse it with a
// content event.
const DoneMarker = "[DONE]"

// ErrEmptyPrompt rejects a generation request before any remote call.
var ErrEmptyPrompt = errors.New("prompt is required")

// TerminalState records how a relay session ended.
type TerminalState string

const (
	StateCompleted          TerminalState = "completed"
	StateProviderError      TerminalState = "provider_error"
	StateClientDisconnected TerminalState = "client_disconnected"
)

// Session is one in-flight relay between a client connection and a
// provider stream. It is owned by the Run invocation that created it.
type Session struct {
	ID             string
	StartedAt      time.Time
	BytesForwarded int64
	Terminal       TerminalState
}

// Request is the inbound generation request.
type Request struct {
	Prompt  string        `json:"prompt"`
	History []llm.Message `json:"history"`
}

// DocumentSource supplies the contract document attached to every
// generation.
type DocumentSource interface {
	Document(ctx context.Context) (string, error)
}

// event is one outbound stream frame: a content fragment or a terminal
// error payload.
type event struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Relay composes generation requests and forwards provider streams.
type Relay struct {
	provider llm.Provider
	docs     DocumentSource
	composer *Composer
}

// New creates a Relay over the given provider and document source.
func New(provider llm.Provider, docs DocumentSource, composer *Composer) *Relay {
	return &Relay{
		provider: provider,
		docs:     docs,
		composer: composer,
	}
}

// Run validates req, attaches the contract document, and relays the
// provider stream to w. Validation and context failures return an error
// before anything is written; once streaming has begun all failures are
// reported in-band and Run returns the finished session.
func (r *Relay) Run(ctx context.Context, w io.Writer, req Request) (*Session, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	doc, err := r.docs.Document(ctx)
	if err != nil {
		return nil, fmt.Errorf("attach context: %w", err)
	}

	sess := &Session{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
	}

	composed := r.composer.Compose(doc, req.Prompt, req.History)

	ch, err := r.provider.Stream(ctx, composed)
	if err != nil {
		// The HTTP exchange is established; the content stream failed.
		slog.Error("provider stream open failed", "session_id", sess.ID, "error", err)
		r.writeEvent(w, sess, event{Error: err.Error()})
		sess.Terminal = StateProviderError
		return sess, nil
	}

	for {
		select {
		case <-ctx.Done():
			// Client went away; the shared ctx tears down the provider
			// stream. Not a provider error.
			sess.Terminal = StateClientDisconnected
			slog.Info("client disconnected mid-stream", "session_id", sess.ID, "bytes", sess.BytesForwarded)
			return sess, nil

		case delta, ok := <-ch:
			if !ok {
				r.writeLine(w, sess, DoneMarker)
				sess.Terminal = StateCompleted
				return sess, nil
			}
			if delta.Err != nil {
				slog.Error("provider stream failed", "session_id", sess.ID, "error", delta.Err)
				r.writeEvent(w, sess, event{Error: delta.Err.Error()})
				sess.Terminal = StateProviderError
				return sess, nil
			}
			if delta.Content == "" {
				continue
			}
			r.writeEvent(w, sess, event{Text: delta.Content})
		}
	}
}

// writeEvent frames ev as one JSON line and flushes it.
func (r *Relay) writeEvent(w io.Writer, sess *Session, ev event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal stream event", "session_id", sess.ID, "error", err)
		return
	}
	r.writeLine(w, sess, string(data))
}

// writeLine writes one line and flushes immediately; first-token latency
// matters more than framing efficiency.
func (r *Relay) writeLine(w io.Writer, sess *Session, line string) {
	n, err := io.WriteString(w, line+"\n")
	sess.BytesForwarded += int64(n)
	if err != nil {
		// The outbound connection is gone; ctx cancellation ends the loop.
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
