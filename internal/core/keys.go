package core

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyType selects which MIFARE Classic sector key an authentication uses.
type KeyType byte

const (
	KeyA KeyType = 0x60
	KeyB KeyType = 0x61
)

func (k KeyType) String() string {
	switch k {
	case KeyA:
		return "A"
	case KeyB:
		return "B"
	default:
		return fmt.Sprintf("0x%02X", byte(k))
	}
}

// Key is a 6-byte MIFARE Classic sector key.
type Key [6]byte

func (k Key) String() string {
	return strings.ToUpper(hex.EncodeToString(k[:]))
}

// ParseKey parses a 12 digit hex key. Spaces and colons are ignored.
func ParseKey(s string) (Key, error) {
	var k Key
	clean := strings.NewReplacer(" ", "", ":", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return k, fmt.Errorf("invalid key %q: %w", s, err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("invalid key %q: must be 6 bytes, got %d", s, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// SlotKey is a key bound to one of the reader's volatile key slots.
type SlotKey struct {
	Slot byte
	Key  Key
}

// AuthCandidate is one (key type, slot) pair tried when authenticating a block.
type AuthCandidate struct {
	Type KeyType
	Slot byte
}

var (
	// NDEFKey is the NFC Forum public key for NDEF formatted sectors.
	NDEFKey = Key{0xD3, 0xF7, 0xD3, 0xF7, 0xD3, 0xF7}
	// FactoryKey is the transport key on blank cards.
	FactoryKey = Key{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
)

// DefaultKeys are loaded into the reader before any block access.
var DefaultKeys = []SlotKey{
	{Slot: 0, Key: NDEFKey},
	{Slot: 1, Key: FactoryKey},
}

// DefaultAuthOrder is the fixed per-block candidate order.
var DefaultAuthOrder = []AuthCandidate{
	{Type: KeyA, Slot: 0},
	{Type: KeyA, Slot: 1},
	{Type: KeyB, Slot: 0},
	{Type: KeyB, Slot: 1},
}
