// Package battery holds the JSON document stored on a battery tag and the
// bounded usage log inside it.
package battery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

const (
	// MaxUsage is the number of usage entries kept on a tag.
	MaxUsage = 14
	// UnsetTime marks a timestamp that was never recorded.
	UnsetTime = "0000000000"
	// TimeLayout is YYMMDDHHMM in UTC.
	TimeLayout = "0601021504"

	// maxUsageID is the largest id kept in the usage log; AddUsage must
	// always be able to issue a larger one.
	maxUsageID = math.MaxInt - 1
)

// Device codes for usage entries.
const (
	DeviceRobot   = 1
	DeviceCharger = 2
)

// Note codes for Document.N.
const (
	NoteNormal = iota
	NotePractice
	NoteScrap
	NoteOther
)

// Usage is one entry of the usage log.
type Usage struct {
	I int    `json:"i"`
	T string `json:"t"`
	D int    `json:"d"`
	E int    `json:"e"`
	V int    `json:"v"`
}

// Document is the record persisted on a tag. Field order is the
// serialization order.
type Document struct {
	SN string  `json:"sn"`
	FU string  `json:"fu"`
	CC int     `json:"cc"`
	N  int     `json:"n"`
	U  []Usage `json:"u"`
}

// New returns an empty document for a freshly initialized tag.
func New(sn, fu string) Document {
	if fu == "" {
		fu = UnsetTime
	}
	return Document{SN: sn, FU: fu, U: []Usage{}}
}

// Timestamp formats t as YYMMDDHHMM in UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

var errNotObject = errors.New("document is not a JSON object")

// Parse decodes a tag or export document and normalizes it. Only invalid
// JSON, or JSON that is not an object, fails.
func Parse(text []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Document{}, fmt.Errorf("invalid document JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Document{}, fmt.Errorf("invalid document JSON: trailing data after object")
	}
	if _, ok := raw.(map[string]any); !ok {
		return Document{}, errNotObject
	}
	return EnsureSchema(raw), nil
}

// AddUsage appends an entry with the next id and keeps the newest MaxUsage
// entries. An empty stamp means now. When the newest id is maxUsageID the
// existing entries are renumbered from 1 in order first.
func (d Document) AddUsage(device, extra, value int, stamp string) Document {
	doc := EnsureSchema(d)
	if stamp == "" {
		stamp = Timestamp(time.Now())
	}

	next := 1
	usage := make([]Usage, len(doc.U), len(doc.U)+1)
	copy(usage, doc.U)
	if n := len(usage); n > 0 {
		// sorted by i after EnsureSchema
		if usage[n-1].I >= maxUsageID {
			for i := range usage {
				usage[i].I = i + 1
			}
		}
		next = usage[n-1].I + 1
	}
	doc.U = append(usage, Usage{I: next, T: stamp, D: device, E: extra, V: value})
	return EnsureSchema(doc)
}

// Meta is a partial update of the document header. Nil fields are kept.
type Meta struct {
	SN *string
	FU *string
	CC *int
	N  *int
}

// SetMeta applies m and re-normalizes.
func (d Document) SetMeta(m Meta) Document {
	doc := EnsureSchema(d)
	if m.SN != nil {
		doc.SN = *m.SN
	}
	if m.FU != nil {
		doc.FU = *m.FU
	}
	if m.CC != nil {
		doc.CC = *m.CC
	}
	if m.N != nil {
		doc.N = *m.N
	}
	return EnsureSchema(doc)
}

// Compact is the byte form written to tags: no whitespace, no HTML escaping.
func (d Document) Compact() []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// a Document of strings and ints always encodes
	_ = enc.Encode(EnsureSchema(d))
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// Pretty is the 2-space indented form used for display and export.
func (d Document) Pretty() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	_ = enc.Encode(EnsureSchema(d))
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

// Recent returns the usage log newest first.
func (d Document) Recent() []Usage {
	out := make([]Usage, len(d.U))
	copy(out, d.U)
	sort.SliceStable(out, func(i, j int) bool { return out[i].I > out[j].I })
	return out
}
