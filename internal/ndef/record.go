package ndef

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Type Name Format values used by battery tags.
const (
	TNFWellKnown byte = 0x01
	TNFMedia     byte = 0x02
)

// Header flags, MSB first: MB ME CF SR IL TNF(3).
const (
	flagMB  = 0x80
	flagME  = 0x40
	flagCF  = 0x20
	flagSR  = 0x10
	flagIL  = 0x08
	tnfMask = 0x07

	shortPayloadLimit = 256
	maxLangLength     = 0x3F
	textUTF16         = 0x80
	defaultLang       = "en"
)

var (
	TypeText = []byte("T")
	TypeJSON = []byte("application/json")
)

// Record is a single NDEF record.
type Record struct {
	TNF     byte
	Type    []byte
	ID      []byte
	Payload []byte
}

// IsText reports a well-known "T" record.
func (r Record) IsText() bool {
	return r.TNF == TNFWellKnown && bytes.Equal(r.Type, TypeText)
}

// IsJSON reports an application/json media record.
func (r Record) IsJSON() bool {
	return r.TNF == TNFMedia && bytes.Equal(r.Type, TypeJSON)
}

// Encode serializes r as the only record of a message. The short form is used
// when the payload is under 256 bytes.
func (r Record) Encode() []byte {
	header := byte(flagMB|flagME) | r.TNF&tnfMask
	short := len(r.Payload) < shortPayloadLimit
	if short {
		header |= flagSR
	}
	if len(r.ID) > 0 {
		header |= flagIL
	}

	out := make([]byte, 0, 7+len(r.Type)+len(r.ID)+len(r.Payload))
	out = append(out, header, byte(len(r.Type)))
	if short {
		out = append(out, byte(len(r.Payload)))
	} else {
		out = binary.BigEndian.AppendUint32(out, uint32(len(r.Payload)))
	}
	if len(r.ID) > 0 {
		out = append(out, byte(len(r.ID)))
	}
	out = append(out, r.Type...)
	out = append(out, r.ID...)
	return append(out, r.Payload...)
}

func truncated(field string) error {
	return fmt.Errorf("%w: %s", ErrTruncatedFrame, field)
}

// DecodeFirst parses the first record of msg. Chunked records are not
// reassembled.
func DecodeFirst(msg []byte) (Record, error) {
	if len(msg) < 2 {
		return Record{}, truncated("header")
	}

	header := msg[0]
	rec := Record{TNF: header & tnfMask}
	typeLen := int(msg[1])
	idx := 2

	var payloadLen int
	if header&flagSR != 0 {
		if idx >= len(msg) {
			return Record{}, truncated("payload length")
		}
		payloadLen = int(msg[idx])
		idx++
	} else {
		if idx+4 > len(msg) {
			return Record{}, truncated("payload length")
		}
		n := binary.BigEndian.Uint32(msg[idx:])
		if uint64(n) > uint64(len(msg)) {
			return Record{}, truncated("payload")
		}
		payloadLen = int(n)
		idx += 4
	}

	idLen := 0
	if header&flagIL != 0 {
		if idx >= len(msg) {
			return Record{}, truncated("id length")
		}
		idLen = int(msg[idx])
		idx++
	}

	if idx+typeLen > len(msg) {
		return Record{}, truncated("type")
	}
	rec.Type = msg[idx : idx+typeLen]
	idx += typeLen

	if idx+idLen > len(msg) {
		return Record{}, truncated("id")
	}
	if idLen > 0 {
		rec.ID = msg[idx : idx+idLen]
	}
	idx += idLen

	if idx+payloadLen > len(msg) {
		return Record{}, truncated("payload")
	}
	rec.Payload = msg[idx : idx+payloadLen]
	return rec, nil
}

// NewTextRecord builds a UTF-8 Text record. Non-ASCII bytes are dropped
// from the language tag, which defaults to "en" and is cut to 63 bytes.
func NewTextRecord(text, lang string) Record {
	lang = strings.Map(func(r rune) rune {
		if r >= utf8.RuneSelf {
			return -1
		}
		return r
	}, lang)
	if lang == "" {
		lang = defaultLang
	}
	if len(lang) > maxLangLength {
		lang = lang[:maxLangLength]
	}
	payload := make([]byte, 0, 1+len(lang)+len(text))
	payload = append(payload, byte(len(lang)))
	payload = append(payload, lang...)
	payload = append(payload, text...)
	return Record{TNF: TNFWellKnown, Type: TypeText, Payload: payload}
}

// NewJSONRecord builds an application/json media record.
func NewJSONRecord(payload []byte) Record {
	return Record{TNF: TNFMedia, Type: TypeJSON, Payload: payload}
}

// Text is a decoded Text record payload.
type Text struct {
	Value string
	Lang  string
	UTF16 bool
	// Replaced is set when invalid bytes were decoded as U+FFFD.
	Replaced bool
}

// DecodeText decodes a Text record payload. Invalid byte sequences never
// fail the decode; they become U+FFFD and Replaced is set.
func DecodeText(payload []byte) Text {
	if len(payload) == 0 {
		return Text{}
	}

	status := payload[0]
	langLen := int(status & maxLangLength)
	if 1+langLen > len(payload) {
		v, replaced := decodeUTF8(payload)
		return Text{Value: v, Replaced: replaced}
	}

	t := Text{
		Lang:  string(payload[1 : 1+langLen]),
		UTF16: status&textUTF16 != 0,
	}
	body := payload[1+langLen:]
	if t.UTF16 {
		t.Value, t.Replaced = decodeUTF16(body)
	} else {
		t.Value, t.Replaced = decodeUTF8(body)
	}
	return t
}

func decodeUTF8(b []byte) (string, bool) {
	if utf8.Valid(b) {
		return string(b), false
	}
	out, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), string(utf8.RuneError)), true
	}
	return string(out), true
}

var utf16Decoding encoding.Encoding = unicode.UTF16(unicode.BigEndian, unicode.UseBOM)

func decodeUTF16(b []byte) (string, bool) {
	odd := len(b)%2 != 0
	if odd {
		b = b[:len(b)-1]
	}
	out, err := utf16Decoding.NewDecoder().Bytes(b)
	if err != nil {
		return string(utf8.RuneError), true
	}
	s := string(out)
	replaced := odd || hasLoneSurrogate(b)
	if odd {
		s += string(utf8.RuneError)
	}
	return s, replaced
}

// hasLoneSurrogate reports a surrogate code unit without its pair, the
// only input the UTF-16 decoder replaces. A leading BOM selects the byte
// order; big endian otherwise.
func hasLoneSurrogate(b []byte) bool {
	var order binary.ByteOrder = binary.BigEndian
	if len(b) >= 2 {
		switch {
		case b[0] == 0xFE && b[1] == 0xFF:
			b = b[2:]
		case b[0] == 0xFF && b[1] == 0xFE:
			order = binary.LittleEndian
			b = b[2:]
		}
	}
	units := make([]rune, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, rune(order.Uint16(b[i:])))
	}
	for i := 0; i < len(units); i++ {
		if !utf16.IsSurrogate(units[i]) {
			continue
		}
		if i+1 < len(units) && utf16.DecodeRune(units[i], units[i+1]) != utf8.RuneError {
			i++
			continue
		}
		return true
	}
	return false
}

// DocumentText extracts the JSON text carried by a battery tag record.
// Text records decode leniently; JSON media records must be valid UTF-8.
func DocumentText(rec Record) (string, bool, error) {
	switch {
	case rec.IsText():
		t := DecodeText(rec.Payload)
		return t.Value, t.Replaced, nil
	case rec.IsJSON():
		if !utf8.Valid(rec.Payload) {
			return "", false, &FormatError{Reason: "invalid UTF-8 in JSON payload"}
		}
		return string(rec.Payload), false, nil
	default:
		return "", false, fmt.Errorf("%w: tnf=0x%02X type=%q", ErrUnsupportedRecordType, rec.TNF, rec.Type)
	}
}

// RawText is the best-effort text shown when a tag cannot be parsed: the
// first record's payload, else the whole area. Trailing NULs are trimmed.
func RawText(area []byte) string {
	if msg, err := Value(area); err == nil {
		if rec, err := DecodeFirst(msg); err == nil {
			if rec.IsText() {
				return DecodeText(rec.Payload).Value
			}
			s, _ := decodeUTF8(rec.Payload)
			return strings.TrimRight(s, "\x00")
		}
	}
	s, _ := decodeUTF8(area)
	return strings.TrimRight(s, "\x00")
}
