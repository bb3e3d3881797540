package tag

import (
	"context"
	"errors"
	"testing"

	"github.com/IronMaple/battery-agent/internal/battery"
	"github.com/IronMaple/battery-agent/internal/core"
	"github.com/IronMaple/battery-agent/internal/ndef"
)

// fakeSession is an in-memory user area with the transport's capacity rule.
type fakeSession struct {
	area     []byte
	uid      string
	readErr  error
	writeErr error
	reads    int
	writes   int
	closed   int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		area: make([]byte, core.Capacity(core.UserStartBlock, core.UserEndBlock)),
		uid:  "932BAE0E",
	}
}

func (f *fakeSession) ReadUserArea(start, end int) ([]byte, error) {
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	return append([]byte(nil), f.area...), nil
}

func (f *fakeSession) WriteUserArea(data []byte, start, end int) error {
	f.writes++
	if f.writeErr != nil {
		return f.writeErr
	}
	capacity := core.Capacity(start, end)
	if len(data) > capacity {
		return &core.CapacityError{Needed: len(data), Available: capacity}
	}
	buf := make([]byte, capacity)
	copy(buf, data)
	f.area = buf
	return nil
}

func (f *fakeSession) UID() string { return f.uid }

func (f *fakeSession) Close() { f.closed++ }

type fakeOpener struct {
	session *fakeSession
	err     error
	opens   int
	// block makes Open wait for the context like a poll with no tag.
	block bool
}

func (o *fakeOpener) Open(ctx context.Context) (OpenSession, error) {
	o.opens++
	if o.block {
		<-ctx.Done()
		return nil, errors.Join(core.ErrConnectionTimeout, ctx.Err())
	}
	if o.err != nil {
		return nil, o.err
	}
	return o.session, nil
}

func mustEncode(t *testing.T, doc battery.Document, mode RecordMode) []byte {
	t.Helper()
	b, err := Encode(doc, mode)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func wrapRecord(t *testing.T, rec ndef.Record) []byte {
	t.Helper()
	b, err := ndef.Wrap(rec.Encode())
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	return b
}
