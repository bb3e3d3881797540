package ndef

import "fmt"

// TLV tags found in a MIFARE Classic NDEF user area.
const (
	TLVNull       = 0x00
	TLVNDEF       = 0x03
	TLVTerminator = 0xFE

	extendedLength = 0xFF

	// MaxMessageLength is the largest message the 3-byte length form holds.
	MaxMessageLength = 0xFFFF
)

// Location describes the first NDEF message TLV in a buffer.
type Location struct {
	// Start is the offset of the 0x03 tag byte.
	Start int
	// Value is the offset of the first message byte.
	Value  int
	Length int
}

// Locate scans buf for the first NDEF message TLV. NULL TLVs are skipped,
// a terminator ends the scan, and any other TLV is stepped over.
func Locate(buf []byte) (Location, error) {
	i := 0
	for i < len(buf) {
		tag := buf[i]
		if tag == TLVNull {
			i++
			continue
		}
		if tag == TLVTerminator {
			break
		}

		if i+1 >= len(buf) {
			return Location{}, &FormatError{Reason: "length field past end of buffer", Offset: i}
		}

		var length, header int
		if buf[i+1] != extendedLength {
			length = int(buf[i+1])
			header = 2
		} else {
			if i+3 >= len(buf) {
				return Location{}, &FormatError{Reason: "extended length field past end of buffer", Offset: i}
			}
			length = int(buf[i+2])<<8 | int(buf[i+3])
			header = 4
		}

		if tag == TLVNDEF {
			return Location{Start: i, Value: i + header, Length: length}, nil
		}
		i += header + length
	}
	return Location{}, &FormatError{Reason: "no NDEF TLV"}
}

// Value returns the NDEF message bytes inside buf.
func Value(buf []byte) ([]byte, error) {
	loc, err := Locate(buf)
	if err != nil {
		return nil, err
	}
	end := loc.Value + loc.Length
	if end > len(buf) {
		return nil, &FormatError{
			Reason: fmt.Sprintf("value of %d bytes runs past end of buffer", loc.Length),
			Offset: loc.Start,
		}
	}
	return buf[loc.Value:end], nil
}

// Wrap frames msg as 0x03 <len> msg 0xFE. Lengths from 0xFF up use the
// 3-byte form; messages longer than MaxMessageLength are rejected.
func Wrap(msg []byte) ([]byte, error) {
	if len(msg) > MaxMessageLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	tlv := make([]byte, 0, len(msg)+5)
	tlv = append(tlv, TLVNDEF)
	if len(msg) < extendedLength {
		tlv = append(tlv, byte(len(msg)))
	} else {
		tlv = append(tlv, extendedLength, byte(len(msg)>>8), byte(len(msg)))
	}
	tlv = append(tlv, msg...)
	return append(tlv, TLVTerminator), nil
}
