// Package ndef frames and decodes the single NDEF record a battery tag
// carries inside its MIFARE Classic user area.
package ndef

import (
	"errors"
	"fmt"
)

var (
	ErrFormat                = errors.New("ndef format error")
	ErrTruncatedFrame        = errors.New("truncated NDEF record")
	ErrUnsupportedRecordType = errors.New("unsupported first NDEF record (not Text or JSON-MIME)")
	ErrMessageTooLarge       = errors.New("NDEF message too large for a TLV")
)

// FormatError reports a user area that does not hold a usable NDEF TLV.
type FormatError struct {
	Reason string
	Offset int
}

func (e *FormatError) Error() string {
	if e.Offset > 0 {
		return fmt.Sprintf("ndef format error: %s at offset %d", e.Reason, e.Offset)
	}
	return "ndef format error: " + e.Reason
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }
