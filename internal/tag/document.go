// Package tag reads and writes battery documents on a tag session and
// composes the user-facing actions on top of them.
package tag

import (
	"errors"
	"fmt"
	"strings"

	"github.com/IronMaple/battery-agent/internal/battery"
	"github.com/IronMaple/battery-agent/internal/core"
	"github.com/IronMaple/battery-agent/internal/logging"
	"github.com/IronMaple/battery-agent/internal/ndef"
)

// Session is the part of core.Session the document layer needs.
type Session interface {
	ReadUserArea(start, end int) ([]byte, error)
	WriteUserArea(data []byte, start, end int) error
	UID() string
}

// RecordMode selects the NDEF record a document is written as.
type RecordMode int

const (
	// ModeText writes a well-known Text record, which the Android app reads.
	ModeText RecordMode = iota
	// ModeMIME writes an application/json media record.
	ModeMIME
)

func (m RecordMode) String() string {
	if m == ModeMIME {
		return "mime"
	}
	return "text"
}

// ParseMode accepts "text" or "mime".
func ParseMode(s string) (RecordMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return ModeText, nil
	case "mime", "json":
		return ModeMIME, nil
	default:
		return ModeText, fmt.Errorf("unknown record mode %q", s)
	}
}

// Snapshot is a successfully parsed tag.
type Snapshot struct {
	UID string           `json:"uid"`
	Doc battery.Document `json:"doc"`
	// Text is the document text as stored on the tag.
	Text     string `json:"text"`
	Replaced bool   `json:"replaced,omitempty"`
}

// ParseError means the user area was read but does not hold a parseable
// document. RawText is the best-effort text to show instead.
type ParseError struct {
	UID     string
	Raw     []byte
	RawText string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tag content could not be parsed: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ReadDocument reads the user area and decodes the document in it.
// Transport errors are returned unchanged; anything wrong with the content
// is a *ParseError.
func ReadDocument(s Session) (Snapshot, error) {
	area, err := s.ReadUserArea(core.UserStartBlock, core.UserEndBlock)
	if err != nil {
		return Snapshot{}, err
	}
	uid := s.UID()

	parseErr := func(err error) error {
		return &ParseError{UID: uid, Raw: area, RawText: ndef.RawText(area), Err: err}
	}

	msg, err := ndef.Value(area)
	if err != nil {
		return Snapshot{}, parseErr(err)
	}
	rec, err := ndef.DecodeFirst(msg)
	if err != nil {
		return Snapshot{}, parseErr(err)
	}
	text, replaced, err := ndef.DocumentText(rec)
	if err != nil {
		return Snapshot{}, parseErr(err)
	}
	if replaced {
		logging.Warn(logging.CatCard, "Tag text contained invalid bytes", map[string]any{
			"uid": uid,
		})
	}
	doc, err := battery.Parse([]byte(text))
	if err != nil {
		return Snapshot{}, parseErr(err)
	}

	return Snapshot{UID: uid, Doc: doc, Text: text, Replaced: replaced}, nil
}

// Encode returns the TLV bytes a document occupies on the tag.
func Encode(doc battery.Document, mode RecordMode) ([]byte, error) {
	payload := doc.Compact()
	var rec ndef.Record
	if mode == ModeMIME {
		rec = ndef.NewJSONRecord(payload)
	} else {
		rec = ndef.NewTextRecord(string(payload), "en")
	}
	return ndef.Wrap(rec.Encode())
}

// WriteDocument writes doc over the whole user area. The transport's
// capacity check decides whether it fits.
func WriteDocument(s Session, doc battery.Document, mode RecordMode) error {
	tlv, err := Encode(doc, mode)
	if errors.Is(err, ndef.ErrMessageTooLarge) {
		return &core.CapacityError{
			Needed:    len(doc.Compact()),
			Available: core.Capacity(core.UserStartBlock, core.UserEndBlock),
		}
	}
	if err != nil {
		return err
	}
	if err := s.WriteUserArea(tlv, core.UserStartBlock, core.UserEndBlock); err != nil {
		return err
	}
	logging.Debug(logging.CatCard, "Document written", map[string]any{
		"bytes": len(tlv),
		"mode":  mode.String(),
		"usage": len(doc.U),
	})
	return nil
}
