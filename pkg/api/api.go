// Package api serves the session's derived state as JSON for an external
// renderer and accepts the user's rollback and selection actions.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/ckptviz/pkg/checkpoint"
	"github.com/wilhg/ckptviz/pkg/errmodel"
	"github.com/wilhg/ckptviz/pkg/graph"
	"github.com/wilhg/ckptviz/pkg/rollback"
	"github.com/wilhg/ckptviz/pkg/session"
)

const maxBody = 1 << 16

// Session is the part of session.Controller the handlers use.
type Session interface {
	ID() string
	View(ctx context.Context) graph.Graph
	Rollback() rollback.State
	SubmitRollback(ctx context.Context, id checkpoint.EventID) (rollback.State, error)
	CommitRollback(ctx context.Context) (rollback.State, error)
	CancelRollback(ctx context.Context) (rollback.State, error)
	Snapshots() []session.Snapshot
	Select(ctx context.Context, index int) error
}

var _ Session = (*session.Controller)(nil)

type server struct {
	s      Session
	logger *slog.Logger
}

// Option configures the handler.
type Option func(*server)

func WithLogger(l *slog.Logger) Option {
	return func(s *server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewHandler returns the instrumented mux for s.
func NewHandler(s Session, opts ...Option) http.Handler {
	srv := &server{s: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(srv)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/graph", srv.graph)
	mux.HandleFunc("GET /api/rollback", srv.rollbackState)
	mux.HandleFunc("POST /api/rollback/submit", srv.submit)
	mux.HandleFunc("POST /api/rollback/commit", srv.commit)
	mux.HandleFunc("POST /api/rollback/cancel", srv.cancel)
	mux.HandleFunc("GET /api/snapshots", srv.snapshots)
	mux.HandleFunc("POST /api/snapshots/select", srv.selectSnapshot)
	return otelhttp.NewHandler(mux, "ckptviz.api")
}

func (srv *server) graph(w http.ResponseWriter, r *http.Request) {
	srv.write(w, map[string]any{"session_id": srv.s.ID(), "graph": srv.s.View(r.Context())})
}

func (srv *server) rollbackState(w http.ResponseWriter, r *http.Request) {
	srv.write(w, srv.s.Rollback())
}

func (srv *server) submit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventID string `json:"event_id"`
	}
	if err := decode(r, &body); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	if body.EventID == "" {
		errmodel.WriteHTTP(w, r, errmodel.Validation("missing_field", "event_id is required", nil))
		return
	}
	st, err := srv.s.SubmitRollback(r.Context(), checkpoint.EventID(body.EventID))
	srv.reply(w, r, st, err)
}

func (srv *server) commit(w http.ResponseWriter, r *http.Request) {
	st, err := srv.s.CommitRollback(r.Context())
	srv.reply(w, r, st, err)
}

func (srv *server) cancel(w http.ResponseWriter, r *http.Request) {
	st, err := srv.s.CancelRollback(r.Context())
	srv.reply(w, r, st, err)
}

func (srv *server) snapshots(w http.ResponseWriter, r *http.Request) {
	srv.write(w, srv.s.Snapshots())
}

func (srv *server) selectSnapshot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Index *int `json:"index"`
	}
	if err := decode(r, &body); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	if body.Index == nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("missing_field", "index is required", nil))
		return
	}
	if err := srv.s.Select(r.Context(), *body.Index); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	srv.write(w, srv.s.Snapshots())
}

func (srv *server) reply(w http.ResponseWriter, r *http.Request, st rollback.State, err error) {
	if err != nil {
		srv.logger.Info("rollback action rejected", "path", r.URL.Path, "err", err)
		errmodel.WriteHTTP(w, r, err)
		return
	}
	srv.write(w, st)
}

func (srv *server) write(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.logger.Warn("encode response", "err", err)
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errmodel.Validation("invalid_body", "request body is not valid JSON", map[string]any{"cause": err.Error()})
	}
	return nil
}
