package api

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/IronMaple/battery-agent/internal/battery"
	"github.com/IronMaple/battery-agent/internal/core"
	"github.com/IronMaple/battery-agent/internal/tag"
)

// memSession is a tag whose user area lives in memory.
type memSession struct {
	mu   sync.Mutex
	area []byte
	uid  string
	err  error
}

func newMemSession() *memSession {
	return &memSession{
		area: make([]byte, core.Capacity(core.UserStartBlock, core.UserEndBlock)),
		uid:  "04A1B2C3",
	}
}

func (m *memSession) ReadUserArea(start, end int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]byte(nil), m.area...), nil
}

func (m *memSession) WriteUserArea(data []byte, start, end int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	capacity := core.Capacity(start, end)
	if len(data) > capacity {
		return &core.CapacityError{Needed: len(data), Available: capacity}
	}
	m.area = make([]byte, capacity)
	copy(m.area, data)
	return nil
}

func (m *memSession) UID() string { return m.uid }

func (m *memSession) Close() {}

type memOpener struct {
	session *memSession
	err     error
}

func (o *memOpener) Open(ctx context.Context) (tag.OpenSession, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.session, nil
}

// readerFactory lists fixed reader names.
type readerFactory struct {
	names []string
}

func (f readerFactory) EstablishContext() (core.SmartCardContext, error) {
	return readerContext(f), nil
}

type readerContext readerFactory

func (c readerContext) ListReaders() ([]string, error) { return c.names, nil }

func (c readerContext) Connect(string, uint32, uint32) (core.SmartCard, error) {
	return nil, errors.New("no card")
}

func (c readerContext) Release() error { return nil }

func newTestServer(t *testing.T, doc *battery.Document) (*Server, *memSession, *memOpener) {
	t.Helper()
	s := newMemSession()
	if doc != nil {
		if err := tag.WriteDocument(s, *doc, tag.ModeText); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	opener := &memOpener{session: s}
	agent := tag.NewAgent(opener, tag.Options{Mode: tag.ModeText})
	return NewServer(agent, readerFactory{names: []string{"ACS ACR122U PICC Interface 00"}}), s, opener
}

func seedDoc() *battery.Document {
	doc := battery.New("BAT-0009", "2402021000").AddUsage(battery.DeviceRobot, 0, 0, "2402031100")
	return &doc
}
