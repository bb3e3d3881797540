package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/IronMaple/battery-agent/internal/logging"
	"github.com/ebfe/scard"
	"github.com/jonboulle/clockwork"
)

// User area of a MIFARE Classic 1K. Sector 0 holds the MAD and is skipped.
const (
	UserStartBlock = 4
	UserEndBlock   = 63

	DefaultPollInterval = 250 * time.Millisecond

	unknownUID = "UNKNOWN"
)

// IsSectorTrailer returns true for blocks holding sector keys and access bits.
func IsSectorTrailer(block int) bool {
	return block%4 == 3
}

// DataBlocks lists the non-trailer blocks in [start, end].
func DataBlocks(start, end int) []int {
	var blocks []int
	for b := start; b <= end; b++ {
		if IsSectorTrailer(b) {
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// Capacity is the number of user bytes available in [start, end].
func Capacity(start, end int) int {
	return len(DataBlocks(start, end)) * BlockSize
}

// State is the lifecycle position of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateKeysLoaded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateKeysLoaded:
		return "keys-loaded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport opens tag sessions. The zero value is usable and talks to real
// PC/SC hardware.
type Transport struct {
	Factory      ContextFactory
	Clock        clockwork.Clock
	PollInterval time.Duration
	// MaxAttempts bounds the connect poll; zero leaves it to the context.
	MaxAttempts int
	AuthOrder   []AuthCandidate
}

// NewTransport returns a Transport using real PC/SC and the default key order.
func NewTransport() *Transport {
	return &Transport{
		Factory:      DefaultContextFactory{},
		Clock:        clockwork.NewRealClock(),
		PollInterval: DefaultPollInterval,
		AuthOrder:    DefaultAuthOrder,
	}
}

func (t *Transport) factory() ContextFactory {
	if t.Factory == nil {
		return DefaultContextFactory{}
	}
	return t.Factory
}

func (t *Transport) clock() clockwork.Clock {
	if t.Clock == nil {
		return clockwork.NewRealClock()
	}
	return t.Clock
}

func (t *Transport) pollInterval() time.Duration {
	if t.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return t.PollInterval
}

func (t *Transport) authOrder() []AuthCandidate {
	if len(t.AuthOrder) == 0 {
		return DefaultAuthOrder
	}
	return t.AuthOrder
}

// Connect waits for a tag on the selected reader and returns a connected
// session. The poll stops when ctx is done or MaxAttempts is reached; both
// report ErrConnectionTimeout.
func (t *Transport) Connect(ctx context.Context, readerHint string) (*Session, error) {
	pcsc, err := t.factory().EstablishContext()
	if err != nil {
		return nil, err
	}

	names, err := pcsc.ListReaders()
	if err != nil {
		_ = pcsc.Release()
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}

	reader, err := PickReader(names, readerHint)
	if err != nil {
		_ = pcsc.Release()
		return nil, err
	}

	s := &Session{
		pcsc:      pcsc,
		reader:    reader,
		state:     StateConnecting,
		authOrder: t.authOrder(),
	}

	logging.Debug(logging.CatCard, "Waiting for tag", map[string]any{
		"reader": reader,
	})

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("%w on %s: %w", ErrConnectionTimeout, reader, err)
		}

		card, err := pcsc.Connect(reader, uint32(scard.ShareShared), uint32(scard.ProtocolAny))
		attempts++
		if err == nil {
			s.card = card
			s.state = StateConnected
			break
		}

		if t.MaxAttempts > 0 && attempts >= t.MaxAttempts {
			s.Close()
			return nil, fmt.Errorf("%w on %s after %d attempts: %w", ErrConnectionTimeout, reader, attempts, err)
		}

		select {
		case <-ctx.Done():
			s.Close()
			return nil, fmt.Errorf("%w on %s: %w", ErrConnectionTimeout, reader, ctx.Err())
		case <-t.clock().After(t.pollInterval()):
		}
	}

	logging.Debug(logging.CatCard, "Tag connected", map[string]any{
		"reader":   reader,
		"attempts": attempts,
	})

	return s, nil
}

// Session is one connection to a tag. It is owned by a single operation and
// is not safe for concurrent use.
type Session struct {
	pcsc      SmartCardContext
	card      SmartCard
	reader    string
	uid       string
	slots     []SlotKey
	state     State
	authOrder []AuthCandidate
}

// NewSession wraps an already connected card.
func NewSession(card SmartCard, reader string, authOrder []AuthCandidate) *Session {
	if len(authOrder) == 0 {
		authOrder = DefaultAuthOrder
	}
	return &Session{
		card:      card,
		reader:    reader,
		state:     StateConnected,
		authOrder: authOrder,
	}
}

// Reader returns the name of the reader the session is bound to.
func (s *Session) Reader() string { return s.reader }

// State returns the session lifecycle state.
func (s *Session) State() State { return s.state }

// Slots returns the keys loaded with LoadKeys.
func (s *Session) Slots() []SlotKey { return append([]SlotKey(nil), s.slots...) }

func (s *Session) transmit(cmd []byte) ([]byte, byte, byte, error) {
	if s.state == StateClosed || s.card == nil {
		return nil, 0, 0, ErrSessionClosed
	}
	rsp, err := s.card.Transmit(cmd)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(rsp) < 2 {
		return nil, 0, 0, fmt.Errorf("invalid response length: %d", len(rsp))
	}
	data, sw1, sw2 := splitResponse(rsp)
	return data, sw1, sw2, nil
}

// LoadKeys installs each key into its reader slot. A slot the reader refuses
// aborts the whole setup.
func (s *Session) LoadKeys(keys []SlotKey) error {
	for _, k := range keys {
		_, sw1, sw2, err := s.transmit(loadKeyAPDU(k.Slot, k.Key))
		if err != nil {
			return &AuthError{Block: -1, Slot: int(k.Slot), Err: err}
		}
		if !statusOK(sw1, sw2) {
			return &AuthError{Block: -1, Slot: int(k.Slot), Err: fmt.Errorf("status %02X %02X", sw1, sw2)}
		}
	}
	s.slots = append(s.slots[:0], keys...)
	s.state = StateKeysLoaded
	return nil
}

// AuthenticateBlock makes a single authentication attempt.
func (s *Session) AuthenticateBlock(block int, keyType KeyType, slot byte) bool {
	_, sw1, sw2, err := s.transmit(authAPDU(block, keyType, slot))
	return err == nil && statusOK(sw1, sw2)
}

func (s *Session) readBlock(block int) ([]byte, bool) {
	data, sw1, sw2, err := s.transmit(readAPDU(block))
	if err != nil || !statusOK(sw1, sw2) || len(data) != BlockSize {
		return nil, false
	}
	return data, true
}

func (s *Session) updateBlock(block int, chunk []byte) bool {
	_, sw1, sw2, err := s.transmit(updateAPDU(block, chunk))
	return err == nil && statusOK(sw1, sw2)
}

// authThen walks the candidate order for one block and stops at the first
// candidate whose authentication and follow-up operation both succeed.
func (s *Session) authThen(block int, op func() bool) bool {
	for _, c := range s.authOrder {
		if !s.AuthenticateBlock(block, c.Type, c.Slot) {
			continue
		}
		if op() {
			return true
		}
	}
	return false
}

// ReadUserArea reads every data block in [start, end]. Any block that no
// candidate can read fails the whole call.
func (s *Session) ReadUserArea(start, end int) ([]byte, error) {
	if s.state == StateClosed {
		return nil, ErrSessionClosed
	}

	blocks := DataBlocks(start, end)
	buf := make([]byte, 0, len(blocks)*BlockSize)
	for _, block := range blocks {
		var data []byte
		ok := s.authThen(block, func() bool {
			var read bool
			data, read = s.readBlock(block)
			return read
		})
		if !ok {
			logging.Debug(logging.CatCard, "Block read failed", map[string]any{
				"block": block,
			})
			return nil, &AuthError{Block: block}
		}
		buf = append(buf, data...)
	}

	logging.Debug(logging.CatCard, "User area read", map[string]any{
		"blocks": len(blocks),
		"bytes":  len(buf),
	})
	return buf, nil
}

// WriteUserArea zero-pads data to the capacity of [start, end] and writes it
// block by block. The capacity check happens before any block is touched.
func (s *Session) WriteUserArea(data []byte, start, end int) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}

	blocks := DataBlocks(start, end)
	capacity := len(blocks) * BlockSize
	if len(data) > capacity {
		return &CapacityError{Needed: len(data), Available: capacity}
	}

	buf := make([]byte, capacity)
	copy(buf, data)

	for i, block := range blocks {
		chunk := buf[i*BlockSize : (i+1)*BlockSize]
		ok := s.authThen(block, func() bool {
			return s.updateBlock(block, chunk)
		})
		if !ok {
			logging.Warn(logging.CatCard, "Block write failed", map[string]any{
				"block":   block,
				"written": i,
			})
			if i == 0 {
				return &AuthError{Block: block}
			}
			return &PartialWriteError{Block: block, Written: i}
		}
	}

	logging.Debug(logging.CatCard, "User area written", map[string]any{
		"blocks":  len(blocks),
		"payload": len(data),
	})
	return nil
}

// UID returns the tag UID as upper-case hex, or "UNKNOWN" when the reader
// cannot report it.
func (s *Session) UID() string {
	if s.uid != "" {
		return s.uid
	}
	data, sw1, sw2, err := s.transmit(getUIDAPDU())
	if err != nil || !statusOK(sw1, sw2) || len(data) == 0 {
		return unknownUID
	}
	s.uid = strings.ToUpper(hex.EncodeToString(data))
	return s.uid
}

// Close disconnects the card and releases the PC/SC context. Errors are
// ignored and repeated calls are no-ops.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	if s.card != nil {
		_ = s.card.Disconnect(uint32(scard.LeaveCard))
	}
	if s.pcsc != nil {
		_ = s.pcsc.Release()
	}
	s.state = StateClosed
}
