// Package session owns the state of one visualization session: the current
// checkpoint log, the archive of logs captured at CRIU checkpoints, the frozen
// rank order and the rollback machine. Inbound frames enter through Dispatch;
// user actions through SubmitRollback, CommitRollback, CancelRollback and Select.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/ckptviz/pkg/causal"
	"github.com/wilhg/ckptviz/pkg/checkpoint"
	"github.com/wilhg/ckptviz/pkg/errmodel"
	"github.com/wilhg/ckptviz/pkg/graph"
	"github.com/wilhg/ckptviz/pkg/protocol"
	"github.com/wilhg/ckptviz/pkg/rank"
	"github.com/wilhg/ckptviz/pkg/rollback"
	"github.com/wilhg/ckptviz/pkg/store"
	"github.com/wilhg/ckptviz/pkg/store/memstore"
)

var (
	ErrUnknownEvent    = errmodel.Validation("not_found", "event is not part of the current log", nil)
	ErrNotRestorable   = errmodel.Validation("not_restorable", "event cannot be restored", nil)
	ErrCurrentLocation = errmodel.Validation("current_location", "event is the node's current location", nil)
	ErrNoSnapshot      = errmodel.Validation("not_found", "no snapshot at that index", nil)
)

// Snapshot describes one entry of the selection list. Index 0 is the current log.
type Snapshot struct {
	Index      int       `json:"index"`
	Label      string    `json:"label"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	Seq        int64     `json:"seq,omitempty"`
	Events     int       `json:"events"`
	Nodes      int       `json:"nodes"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	Selected   bool      `json:"selected"`
}

// Controller is safe for concurrent use. Dispatch calls are expected to come
// from a single reader in arrival order.
type Controller struct {
	id         string
	logger     *slog.Logger
	archive    store.ArchiveStore
	machine    *rollback.Machine
	causalOpts []causal.Option

	mu       sync.Mutex
	ranks    rank.Resolver
	current  checkpoint.Log
	archived []store.SnapshotRecord
	selected int

	layout      graph.Graph
	layoutValid bool
	view        graph.Graph
	viewValid   bool
	lastCausal  causal.Result
}

// Option configures a Controller at construction time.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithArchive persists archived logs in st instead of process memory.
func WithArchive(st store.ArchiveStore) Option {
	return func(c *Controller) {
		if st != nil {
			c.archive = st
		}
	}
}

// WithSessionID fixes the session id, for resuming an archive with Resume.
func WithSessionID(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.id = id
		}
	}
}

// WithCausalOptions tunes the vector clock computation.
func WithCausalOptions(opts ...causal.Option) Option {
	return func(c *Controller) { c.causalOpts = append(c.causalOpts, opts...) }
}

// New returns a controller whose rollback frames go to sender.
func New(sender rollback.Sender, opts ...Option) *Controller {
	c := &Controller{
		id:      uuid.NewString(),
		logger:  slog.Default(),
		archive: memstore.New(),
		current: checkpoint.NewLog(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("session", c.id)
	c.machine = rollback.NewMachine(sender, rollback.WithLogger(c.logger))
	return c
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

func tracer() trace.Tracer { return otel.Tracer("session/controller") }

// Resume loads snapshots archived earlier under this session id.
func (c *Controller) Resume(ctx context.Context) error {
	recs, err := c.archive.ListSnapshots(ctx, c.id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.archived = recs
	c.selected = 0
	c.invalidateLocked()
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "archive resumed", "snapshots", len(recs))
	return nil
}

// Dispatch decodes one inbound frame and applies it. Malformed frames and
// protocol desynchronisation are logged and dropped.
func (c *Controller) Dispatch(ctx context.Context, data []byte) {
	ctx, span := tracer().Start(ctx, "Session.Dispatch", trace.WithAttributes(
		attribute.String("session.id", c.id),
		attribute.Int("frame.bytes", len(data)),
	))
	defer span.End()

	in, err := protocol.Decode(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		c.logger.WarnContext(ctx, "inbound frame discarded", "err", err, "bytes", len(data))
		return
	}
	span.SetAttributes(attribute.String("frame.kind", string(in.Kind())))
	c.Handle(ctx, in)
}

// Handle applies an already decoded notification.
func (c *Controller) Handle(ctx context.Context, in protocol.Inbound) {
	switch m := in.(type) {
	case protocol.CheckpointUpdate:
		c.replace(ctx, m.Log)
	case protocol.RollbackResult:
		c.replace(ctx, m.Log)
		if _, err := c.machine.Apply(ctx, rollback.Result{}); err != nil {
			c.logger.WarnContext(ctx, "rollback result not applied", "err", err)
		}
	case protocol.CriuRestore:
		c.replace(ctx, checkpoint.NewLog())
	case protocol.CriuCheckpoint:
		c.archiveCurrent(ctx)
		c.replace(ctx, m.Log)
	case protocol.RollbackConfirm:
		st, err := c.machine.Apply(ctx, rollback.Confirm{Affected: m.Affected})
		switch {
		case errors.Is(err, rollback.ErrStale):
			c.logger.DebugContext(ctx, "stale rollback confirm ignored", "phase", st.Phase.String())
		case err != nil:
			c.logger.WarnContext(ctx, "rollback confirm not applied", "err", err)
		case st.Phase == rollback.Idle:
			c.logger.InfoContext(ctx, "rollback proposal rejected")
		default:
			c.logger.InfoContext(ctx, "rollback proposal confirmed", "original", string(st.OriginalCheckpoint), "affected", len(st.PendingNodes))
		}
	default:
		c.logger.WarnContext(ctx, "unhandled inbound kind", "kind", string(in.Kind()))
	}
}

func (c *Controller) replace(ctx context.Context, log checkpoint.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = log
	c.selected = 0
	wasResolved := c.ranks.Resolved()
	if c.ranks.Observe(log) && !wasResolved {
		c.logger.InfoContext(ctx, "rank order resolved", "nodes", log.NodeCount())
	}
	c.invalidateLocked()
}

// archiveCurrent stores the current log as a historical snapshot. An empty log
// is not archived.
func (c *Controller) archiveCurrent(ctx context.Context) {
	c.mu.Lock()
	prior := c.current
	c.mu.Unlock()
	if prior.IsEmpty() {
		return
	}
	rec := store.SnapshotRecord{SessionID: c.id, Log: prior, CreatedAt: time.Now().UTC()}
	saved, err := c.archive.SaveSnapshot(ctx, rec)
	if err != nil {
		c.logger.ErrorContext(ctx, "archive snapshot", "err", err)
		saved = rec
	}
	c.mu.Lock()
	if err != nil {
		saved.Seq = int64(len(c.archived)) + 1
	}
	c.archived = append(c.archived, saved)
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "log archived", "seq", saved.Seq, "events", prior.Len())
}

func (c *Controller) invalidateLocked() {
	c.layoutValid = false
	c.viewValid = false
}

// SubmitRollback proposes rolling back to id. The event must be part of the
// current log, restorable and not a current location.
func (c *Controller) SubmitRollback(ctx context.Context, id checkpoint.EventID) (rollback.State, error) {
	ctx, span := tracer().Start(ctx, "Session.SubmitRollback", trace.WithAttributes(
		attribute.String("session.id", c.id),
		attribute.String("event.id", string(id)),
	))
	defer span.End()

	c.mu.Lock()
	ev, ok := c.current.Find(id)
	c.mu.Unlock()
	var err error
	switch {
	case !ok:
		err = ErrUnknownEvent.With(map[string]any{"event_id": string(id)})
	case !ev.CanBeRestored:
		err = ErrNotRestorable.With(map[string]any{"event_id": string(id)})
	case ev.CurrentLocation:
		err = ErrCurrentLocation.With(map[string]any{"event_id": string(id)})
	}
	if err != nil {
		span.RecordError(err)
		return c.machine.State(), err
	}
	st, err := c.machine.Submit(ctx, id)
	if err != nil {
		span.RecordError(err)
	}
	return st, err
}

// CommitRollback executes the confirmed proposal.
func (c *Controller) CommitRollback(ctx context.Context) (rollback.State, error) {
	return c.action(ctx, "Session.CommitRollback", c.machine.Commit)
}

// CancelRollback withdraws the confirmed proposal.
func (c *Controller) CancelRollback(ctx context.Context) (rollback.State, error) {
	return c.action(ctx, "Session.CancelRollback", c.machine.Cancel)
}

func (c *Controller) action(ctx context.Context, name string, fn func(context.Context) (rollback.State, error)) (rollback.State, error) {
	ctx, span := tracer().Start(ctx, name, trace.WithAttributes(attribute.String("session.id", c.id)))
	defer span.End()
	st, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return st, err
}

// Rollback returns the rollback state.
func (c *Controller) Rollback() rollback.State { return c.machine.State() }

// Current returns the current log as last received.
func (c *Controller) Current() checkpoint.Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Ranks returns the frozen rank resolution, nil while unresolved.
func (c *Controller) Ranks() []rank.Entry { return c.ranks.Entries() }

// Snapshots lists the current log followed by archived logs, oldest first.
func (c *Controller) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, 0, len(c.archived)+1)
	out = append(out, Snapshot{
		Index:    0,
		Label:    "Current",
		Events:   c.current.Len(),
		Nodes:    c.current.NodeCount(),
		Selected: c.selected == 0,
	})
	for i, rec := range c.archived {
		out = append(out, Snapshot{
			Index:      i + 1,
			Label:      "Checkpoint " + strconv.Itoa(i+1),
			SnapshotID: rec.SnapshotID,
			Seq:        rec.Seq,
			Events:     rec.Log.Len(),
			Nodes:      rec.Log.NodeCount(),
			CreatedAt:  rec.CreatedAt,
			Selected:   c.selected == i+1,
		})
	}
	return out
}

// Select chooses which snapshot View presents.
func (c *Controller) Select(ctx context.Context, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index > len(c.archived) {
		return ErrNoSnapshot.With(map[string]any{"index": index})
	}
	if index != c.selected {
		c.selected = index
		c.invalidateLocked()
		c.logger.DebugContext(ctx, "snapshot selected", "index", index)
	}
	return nil
}

// Selected returns the selected snapshot index.
func (c *Controller) Selected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// View returns the positioned graph of the selected snapshot. Clocks are only
// recomputed when the presented log or the rank order changed; marks when the
// rollback state changed.
func (c *Controller) View(ctx context.Context) graph.Graph {
	st := c.machine.State()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.viewValid && c.view.Rollback.Equal(st) {
		return c.view
	}
	if !c.layoutValid {
		_, span := tracer().Start(ctx, "Session.Layout", trace.WithAttributes(attribute.String("session.id", c.id)))
		log := c.displayedLocked()
		annotated, res, err := causal.Compute(log, c.causalOpts...)
		if err != nil {
			span.RecordError(err)
			c.logger.WarnContext(ctx, "vector clocks did not settle", "passes", res.Passes, "events", log.Len())
		}
		if len(res.Unresolved) > 0 {
			c.logger.DebugContext(ctx, "unresolved message matches", "events", res.Unresolved)
		}
		span.SetAttributes(attribute.Int("causal.passes", res.Passes), attribute.Int("log.events", log.Len()))
		span.End()
		c.lastCausal = res
		c.layout = graph.Build(annotated, c.ranks.Order(annotated), c.ranks.Entries(), rollback.State{})
		c.layoutValid = true
	}
	c.view = graph.Remark(c.layout, st)
	c.viewValid = true
	return c.view
}

// LastCausal reports the outcome of the most recent clock computation.
func (c *Controller) LastCausal() causal.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCausal
}

func (c *Controller) displayedLocked() checkpoint.Log {
	if c.selected == 0 {
		return c.current
	}
	return c.archived[c.selected-1].Log
}
