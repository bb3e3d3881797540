package tag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IronMaple/battery-agent/internal/audit"
	"github.com/IronMaple/battery-agent/internal/battery"
	"github.com/IronMaple/battery-agent/internal/core"
	"github.com/IronMaple/battery-agent/internal/logging"
	"github.com/jonboulle/clockwork"
)

// ErrInvalidNote is returned by SetStatus for codes outside 0..3.
var ErrInvalidNote = errors.New("note code must be between 0 and 3")

// OpenSession is a connected session the agent closes when done.
type OpenSession interface {
	Session
	Close()
}

// Opener waits for a tag and returns a session ready for block access.
type Opener interface {
	Open(ctx context.Context) (OpenSession, error)
}

// TransportOpener opens sessions on a PC/SC reader and loads the keys.
type TransportOpener struct {
	Transport *core.Transport
	Reader    string
	Keys      []core.SlotKey
}

func (o TransportOpener) Open(ctx context.Context) (OpenSession, error) {
	s, err := o.Transport.Connect(ctx, o.Reader)
	if err != nil {
		return nil, err
	}
	keys := o.Keys
	if len(keys) == 0 {
		keys = core.DefaultKeys
	}
	if err := s.LoadKeys(keys); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Options configures an Agent.
type Options struct {
	Mode RecordMode
	// ConnectTimeout bounds the wait for a tag. Zero waits until the
	// caller's context ends.
	ConnectTimeout time.Duration
	Audit          *audit.Log
	Clock          clockwork.Clock
}

// Agent runs one tag action at a time. Every action opens exactly one
// session; concurrent callers queue.
type Agent struct {
	mu     sync.Mutex
	opener Opener
	opts   Options
}

// NewAgent returns an agent using opener for sessions.
func NewAgent(opener Opener, opts Options) *Agent {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Agent{opener: opener, opts: opts}
}

// Mode returns the record mode used for writes.
func (a *Agent) Mode() RecordMode { return a.opts.Mode }

func (a *Agent) withSession(ctx context.Context, fn func(OpenSession) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	openCtx := ctx
	if a.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, a.opts.ConnectTimeout)
		defer cancel()
	}

	s, err := a.opener.Open(openCtx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func (a *Agent) record(event audit.EventType, text string) {
	if a.opts.Audit == nil {
		return
	}
	if err := a.opts.Audit.Record(event, text); err != nil {
		logging.Warn(logging.CatAudit, "Audit write failed", map[string]any{
			"error": err.Error(),
		})
	}
}

// readAndRecord reads the tag and audits what was seen, parsed or not.
func (a *Agent) readAndRecord(s Session) (Snapshot, error) {
	snap, err := ReadDocument(s)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			a.record(audit.EventRead, pe.RawText)
			logging.Warn(logging.CatCard, "Tag content not parseable", map[string]any{
				"uid":   pe.UID,
				"error": pe.Err.Error(),
			})
		}
		return Snapshot{}, err
	}
	a.record(audit.EventRead, snap.Text)
	logging.Info(logging.CatCard, "Tag read", map[string]any{
		"uid":   snap.UID,
		"sn":    snap.Doc.SN,
		"usage": len(snap.Doc.U),
	})
	return snap, nil
}

// writeAndRefresh audits and writes doc, then reads the tag back.
func (a *Agent) writeAndRefresh(s Session, doc battery.Document) (Snapshot, error) {
	a.record(audit.EventWrite, string(doc.Compact()))
	if err := WriteDocument(s, doc, a.opts.Mode); err != nil {
		logging.Error(logging.CatCard, "Tag write failed", map[string]any{
			"uid":   s.UID(),
			"error": err.Error(),
		})
		if errors.Is(err, core.ErrPartialWrite) {
			logging.CaptureError(err, "partial_write", map[string]interface{}{"uid": s.UID()})
		}
		return Snapshot{}, err
	}
	return a.readAndRecord(s)
}

// Read returns the document on the tag.
func (a *Agent) Read(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := a.withSession(ctx, func(s OpenSession) error {
		var err error
		snap, err = a.readAndRecord(s)
		return err
	})
	return snap, err
}

// UID returns the UID of the presented tag.
func (a *Agent) UID(ctx context.Context) (string, error) {
	var uid string
	err := a.withSession(ctx, func(s OpenSession) error {
		uid = s.UID()
		return nil
	})
	return uid, err
}

// Update reads the current document, applies fn and writes the result back
// within one session.
func (a *Agent) Update(ctx context.Context, fn func(battery.Document) (battery.Document, error)) (Snapshot, error) {
	var snap Snapshot
	err := a.withSession(ctx, func(s OpenSession) error {
		current, err := a.readAndRecord(s)
		if err != nil {
			return err
		}
		next, err := fn(current.Doc)
		if err != nil {
			return err
		}
		snap, err = a.writeAndRefresh(s, next)
		return err
	})
	return snap, err
}

func (a *Agent) now() string {
	return battery.Timestamp(a.opts.Clock.Now())
}

// AddUsage appends a usage entry for device.
func (a *Agent) AddUsage(ctx context.Context, device, extra, value int) (Snapshot, error) {
	return a.Update(ctx, func(d battery.Document) (battery.Document, error) {
		return d.AddUsage(device, extra, value, a.now()), nil
	})
}

// MockRobot records a robot session.
func (a *Agent) MockRobot(ctx context.Context) (Snapshot, error) {
	return a.AddUsage(ctx, battery.DeviceRobot, 0, 0)
}

// Charge records a charger session and counts a cycle.
func (a *Agent) Charge(ctx context.Context) (Snapshot, error) {
	return a.Update(ctx, func(d battery.Document) (battery.Document, error) {
		d = d.AddUsage(battery.DeviceCharger, 0, 0, a.now())
		cc := d.CC + 1
		return d.SetMeta(battery.Meta{CC: &cc}), nil
	})
}

// SetStatus sets the note code.
func (a *Agent) SetStatus(ctx context.Context, n int) (Snapshot, error) {
	if n < battery.NoteNormal || n > battery.NoteOther {
		return Snapshot{}, fmt.Errorf("%w: got %d", ErrInvalidNote, n)
	}
	return a.Update(ctx, func(d battery.Document) (battery.Document, error) {
		return d.SetMeta(battery.Meta{N: &n}), nil
	})
}

// InitNew overwrites the tag with an empty document for serial sn. The
// current content is not read, so blank or corrupt tags can be initialized.
func (a *Agent) InitNew(ctx context.Context, sn string) (Snapshot, error) {
	if sn == "" {
		return Snapshot{}, errors.New("serial number is required")
	}
	return a.Write(ctx, battery.New(sn, a.now()))
}

// Write replaces the tag content with doc.
func (a *Agent) Write(ctx context.Context, doc battery.Document) (Snapshot, error) {
	doc = battery.EnsureSchema(doc)
	var snap Snapshot
	err := a.withSession(ctx, func(s OpenSession) error {
		var err error
		snap, err = a.writeAndRefresh(s, doc)
		return err
	})
	return snap, err
}

// Import parses an exported document and writes it to the tag.
func (a *Agent) Import(ctx context.Context, text []byte) (Snapshot, error) {
	doc, err := battery.Parse(text)
	if err != nil {
		return Snapshot{}, err
	}
	return a.Write(ctx, doc)
}

// Result is the outcome of an action run with Go.
type Result struct {
	Snapshot Snapshot
	Err      error
}

// Go runs fn on its own goroutine and delivers the result on the returned
// channel, which is closed afterwards. A panic in fn becomes an error.
func (a *Agent) Go(ctx context.Context, fn func(context.Context) (Snapshot, error)) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		defer logging.RecoverAndLogFunc("tag action", false, func(v interface{}, _ string) {
			ch <- Result{Err: fmt.Errorf("tag action panicked: %v", v)}
		})
		snap, err := fn(ctx)
		ch <- Result{Snapshot: snap, Err: err}
	}()
	return ch
}
