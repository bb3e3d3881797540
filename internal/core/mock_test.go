package core

import (
	"encoding/hex"
	"errors"
	"sync"
)

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	readers []string
	card    *MockSmartCard
	// failConnects is the number of Connect calls that fail before the card
	// is presented. Negative means the card never appears.
	failConnects int
	connects     int
	listErr      error
	released     int
}

// NewMockContext creates a mock context with one ACR122U reader and card.
func NewMockContext(card *MockSmartCard) *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{"ACS ACR122U PICC Interface"},
		card:    card,
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers ...string) *MockSmartCardContext {
	m.readers = readers
	return m
}

// WithFailedConnects makes the first n Connect calls report no card.
func (m *MockSmartCardContext) WithFailedConnects(n int) *MockSmartCardContext {
	m.failConnects = n
	return m
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	m.connects++
	if m.failConnects < 0 || m.connects <= m.failConnects || m.card == nil {
		return nil, errors.New("no card present")
	}
	m.card.reader = reader
	return m.card, nil
}

func (m *MockSmartCardContext) Release() error {
	m.released++
	return nil
}

// MockFactory hands out one prepared context.
type MockFactory struct {
	ctx *MockSmartCardContext
	err error
}

func (f *MockFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

type authAttempt struct {
	Block int
	Type  KeyType
	Slot  byte
}

// MockSmartCard simulates a MIFARE Classic 1K behind an ACR122-style reader.
// Each sector has an A and B key; a block is readable and writable after a
// successful authentication to its sector.
type MockSmartCard struct {
	mu     sync.Mutex
	reader string
	uid    []byte
	memory [64][16]byte

	slots    map[byte]Key
	sectorA  [16]Key
	sectorB  [16]Key
	authed   int // sector, -1 when none
	attempts []authAttempt

	refuseSlot     map[byte]bool
	failRead       map[int]bool
	failWrite      map[int]bool
	trailerTouched bool
	writes         []int
	uidFails       bool

	disconnected int
}

// NewMockCard creates a card whose sectors use the NDEF key for A and the
// factory key for B.
func NewMockCard() *MockSmartCard {
	card := &MockSmartCard{
		slots:      map[byte]Key{},
		authed:     -1,
		refuseSlot: map[byte]bool{},
		failRead:   map[int]bool{},
		failWrite:  map[int]bool{},
	}
	card.uid, _ = hex.DecodeString("932bae0e")
	for s := range card.sectorA {
		card.sectorA[s] = NDEFKey
		card.sectorB[s] = FactoryKey
	}
	return card
}

// SetSectorKeys replaces the A/B keys of one sector.
func (m *MockSmartCard) SetSectorKeys(sector int, a, b Key) {
	m.sectorA[sector] = a
	m.sectorB[sector] = b
}

// LoadUserArea copies data across the data blocks starting at block 4.
func (m *MockSmartCard) LoadUserArea(data []byte) {
	for i, block := range DataBlocks(UserStartBlock, UserEndBlock) {
		off := i * BlockSize
		if off >= len(data) {
			break
		}
		copy(m.memory[block][:], data[off:])
	}
}

// UserArea returns the data blocks as one buffer.
func (m *MockSmartCard) UserArea() []byte {
	var out []byte
	for _, block := range DataBlocks(UserStartBlock, UserEndBlock) {
		out = append(out, m.memory[block][:]...)
	}
	return out
}

func (m *MockSmartCard) attemptsFor(block int) []authAttempt {
	var out []authAttempt
	for _, a := range m.attempts {
		if a.Block == block {
			out = append(out, a)
		}
	}
	return out
}

var (
	swOK       = []byte{0x90, 0x00}
	swFail     = []byte{0x63, 0x00}
	swNotFound = []byte{0x6A, 0x82}
)

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disconnected > 0 {
		return nil, errors.New("card disconnected")
	}
	if len(cmd) < 5 || cmd[0] != claPseudo {
		return swNotFound, nil
	}

	switch cmd[1] {
	case insGetData:
		if m.uidFails {
			return swNotFound, nil
		}
		return append(append([]byte{}, m.uid...), swOK...), nil

	case insLoadKey:
		slot := cmd[3]
		if m.refuseSlot[slot] || len(cmd) != 11 {
			return swFail, nil
		}
		var k Key
		copy(k[:], cmd[5:])
		m.slots[slot] = k
		return swOK, nil

	case insAuth:
		block := int(cmd[7])
		keyType := KeyType(cmd[8])
		slot := cmd[9]
		m.attempts = append(m.attempts, authAttempt{Block: block, Type: keyType, Slot: slot})
		if IsSectorTrailer(block) {
			m.trailerTouched = true
		}
		key, loaded := m.slots[slot]
		sector := block / 4
		want := m.sectorA[sector]
		if keyType == KeyB {
			want = m.sectorB[sector]
		}
		if !loaded || key != want {
			m.authed = -1
			return swFail, nil
		}
		m.authed = sector
		return swOK, nil

	case insRead:
		block := int(cmd[3])
		if IsSectorTrailer(block) {
			m.trailerTouched = true
		}
		if m.authed != block/4 || m.failRead[block] {
			return swFail, nil
		}
		return append(append([]byte{}, m.memory[block][:]...), swOK...), nil

	case insUpdate:
		block := int(cmd[3])
		if IsSectorTrailer(block) {
			m.trailerTouched = true
		}
		if m.authed != block/4 || m.failWrite[block] || len(cmd) != 5+BlockSize {
			return swFail, nil
		}
		copy(m.memory[block][:], cmd[5:])
		m.writes = append(m.writes, block)
		return swOK, nil
	}

	return swNotFound, nil
}

func (m *MockSmartCard) Disconnect(disposition uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected++
	return nil
}
