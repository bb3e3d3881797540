package battery

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// EnsureSchema turns any decoded JSON value (or a Document) into a valid
// Document. It never fails: missing fields take defaults, loose types are
// coerced, and usage entries that cannot be repaired are dropped.
func EnsureSchema(raw any) Document {
	switch v := raw.(type) {
	case Document:
		return normalize(v)
	case *Document:
		if v == nil {
			return New("", "")
		}
		return normalize(*v)
	case map[string]any:
		return fromMap(v)
	default:
		return New("", "")
	}
}

func normalize(d Document) Document {
	out := Document{
		SN: d.SN,
		FU: d.FU,
		CC: clampCycles(d.CC),
		N:  clampNote(d.N),
		U:  make([]Usage, len(d.U)),
	}
	copy(out.U, d.U)
	out.U = capUsage(out.U)
	return out
}

func fromMap(m map[string]any) Document {
	doc := New("", "")

	if s, ok := toString(m["sn"]); ok {
		doc.SN = s
	}
	if s, ok := toString(m["fu"]); ok {
		doc.FU = s
	}
	if n, ok := toInt(m["cc"]); ok {
		doc.CC = clampCycles(n)
	}
	if n, ok := toInt(m["n"]); ok {
		doc.N = clampNote(n)
	}

	if list, ok := m["u"].([]any); ok {
		for _, item := range list {
			if u, ok := usageFromValue(item); ok {
				doc.U = append(doc.U, u)
			}
		}
	}
	doc.U = capUsage(doc.U)
	return doc
}

func usageFromValue(v any) (Usage, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Usage{}, false
	}
	u := Usage{T: UnsetTime}
	ints := []struct {
		key string
		dst *int
	}{
		{"i", &u.I}, {"d", &u.D}, {"e", &u.E}, {"v", &u.V},
	}
	for _, f := range ints {
		raw, present := m[f.key]
		if !present {
			continue
		}
		n, ok := toInt(raw)
		if !ok {
			return Usage{}, false
		}
		*f.dst = n
	}
	if raw, present := m["t"]; present {
		s, ok := toString(raw)
		if !ok {
			return Usage{}, false
		}
		u.T = s
	}
	return u, true
}

// capUsage drops entries whose id has no successor, sorts by id keeping
// insertion order for equal ids, and keeps the last MaxUsage entries.
func capUsage(u []Usage) []Usage {
	kept := make([]Usage, 0, len(u))
	for _, e := range u {
		if e.I <= maxUsageID {
			kept = append(kept, e)
		}
	}
	u = kept
	sort.SliceStable(u, func(i, j int) bool { return u[i].I < u[j].I })
	if len(u) > MaxUsage {
		u = append([]Usage(nil), u[len(u)-MaxUsage:]...)
	}
	return u
}

func clampCycles(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func clampNote(n int) int {
	if n < NoteNormal || n > NoteOther {
		return NoteNormal
	}
	return n
}

// toInt accepts numbers (truncated toward zero), numeric strings and bools.
func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return fromInt64(n)
		}
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return fromFloat(f)
	case float64:
		return fromFloat(x)
	case int:
		return x, true
	case int64:
		return fromInt64(x)
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromInt64(n)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return fromFloat(f)
	default:
		return 0, false
	}
}

func fromInt64(n int64) (int, bool) {
	if n < math.MinInt || n > math.MaxInt {
		return 0, false
	}
	return int(n), true
}

func fromFloat(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0, false
	}
	return fromInt64(int64(math.Trunc(f)))
}

// toString accepts strings and numbers.
func toString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	default:
		return "", false
	}
}
