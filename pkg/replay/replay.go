// Package replay captures the inbound frames of a session and feeds them back
// through a fresh session offline.
package replay

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/wilhg/ckptviz/pkg/errmodel"
	"github.com/wilhg/ckptviz/pkg/graph"
	"github.com/wilhg/ckptviz/pkg/rollback"
	"github.com/wilhg/ckptviz/pkg/session"
)

// Capture is a recorded session: its id and every inbound frame in arrival order.
type Capture struct {
	SessionID string            `json:"session_id"`
	Messages  []json.RawMessage `json:"messages"`
}

// Load decodes a capture written by Recorder.WriteTo.
func Load(r io.Reader) (Capture, error) {
	var c Capture
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return Capture{}, errmodel.Validation("invalid_capture", "capture is not valid JSON", map[string]any{"cause": err.Error()})
	}
	return c, nil
}

// Run replays c into a new session whose outbound frames are discarded and
// returns the final graph. Malformed frames are skipped the same way a live
// session skips them.
func Run(ctx context.Context, c Capture, opts ...session.Option) (graph.Graph, error) {
	if c.SessionID != "" {
		opts = append([]session.Option{session.WithSessionID(c.SessionID)}, opts...)
	}
	s := session.New(rollback.Discard, opts...)
	for _, m := range c.Messages {
		if err := ctx.Err(); err != nil {
			return graph.Graph{}, err
		}
		s.Dispatch(ctx, m)
	}
	return s.View(ctx), nil
}

// Dispatcher is the inbound side of a session.
type Dispatcher interface {
	Dispatch(ctx context.Context, data []byte)
}

// Recorder copies every frame into a Capture before passing it on to next.
// Frames that are not JSON are passed on but not recorded.
type Recorder struct {
	next Dispatcher

	mu      sync.Mutex
	capture Capture
}

func NewRecorder(sessionID string, next Dispatcher) *Recorder {
	return &Recorder{next: next, capture: Capture{SessionID: sessionID, Messages: []json.RawMessage{}}}
}

func (r *Recorder) Dispatch(ctx context.Context, data []byte) {
	if json.Valid(data) {
		r.mu.Lock()
		r.capture.Messages = append(r.capture.Messages, append(json.RawMessage(nil), data...))
		r.mu.Unlock()
	}
	if r.next != nil {
		r.next.Dispatch(ctx, data)
	}
}

// Capture returns a copy of what has been recorded so far.
func (r *Recorder) Capture() Capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Capture{SessionID: r.capture.SessionID, Messages: make([]json.RawMessage, len(r.capture.Messages))}
	copy(out.Messages, r.capture.Messages)
	return out
}

// WriteTo encodes the capture as indented JSON.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	b, err := json.MarshalIndent(r.Capture(), "", "  ")
	if err != nil {
		return 0, err
	}
	n, err := w.Write(append(b, '\n'))
	return int64(n), err
}
