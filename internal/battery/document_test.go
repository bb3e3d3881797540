package battery

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }

func TestEndToEndUsageThenMeta(t *testing.T) {
	doc, err := Parse([]byte(`{"sn":"A1","fu":"0000000000","cc":0,"n":0,"u":[]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	doc = doc.AddUsage(DeviceRobot, 0, 0, "2601021504")
	if len(doc.U) != 1 {
		t.Fatalf("got %d usage entries, want 1", len(doc.U))
	}
	want := Usage{I: 1, T: "2601021504", D: 1, E: 0, V: 0}
	if doc.U[0] != want {
		t.Errorf("usage = %+v, want %+v", doc.U[0], want)
	}

	updated := doc.SetMeta(Meta{CC: intPtr(1)})
	if updated.CC != 1 {
		t.Errorf("cc = %d, want 1", updated.CC)
	}
	if !reflect.DeepEqual(updated.U, doc.U) || updated.SN != "A1" || updated.FU != UnsetTime || updated.N != 0 {
		t.Errorf("SetMeta changed more than cc: %+v", updated)
	}

	if got := string(updated.Compact()); got != `{"sn":"A1","fu":"0000000000","cc":1,"n":0,"u":[{"i":1,"t":"2601021504","d":1,"e":0,"v":0}]}` {
		t.Errorf("Compact() = %s", got)
	}
}

func TestAddUsageDefaultsStampToNow(t *testing.T) {
	before := Timestamp(time.Now().Add(-time.Minute))
	doc := New("B2", "").AddUsage(DeviceCharger, 3, 4, "")
	after := Timestamp(time.Now().Add(time.Minute))

	got := doc.U[0].T
	if len(got) != 10 || got < before || got > after {
		t.Errorf("stamp = %q, want between %q and %q", got, before, after)
	}
}

func TestAddUsageCap(t *testing.T) {
	doc := New("C3", "")
	for i := 0; i < 20; i++ {
		doc = doc.AddUsage(DeviceRobot, 0, i, "2601010000")
	}
	if len(doc.U) != MaxUsage {
		t.Fatalf("got %d entries, want %d", len(doc.U), MaxUsage)
	}
	if doc.U[0].I != 7 || doc.U[MaxUsage-1].I != 20 {
		t.Errorf("kept ids %d..%d, want 7..20", doc.U[0].I, doc.U[MaxUsage-1].I)
	}
}

func TestAddUsageIDCeiling(t *testing.T) {
	doc, err := Parse([]byte(`{"u":[{"i":9223372036854775807,"t":"2501010000","d":1}]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(doc.U) != 0 {
		t.Fatalf("entry with max id kept: %+v", doc.U)
	}
	doc = doc.AddUsage(DeviceRobot, 0, 0, "2501010000")
	if len(doc.U) != 1 || doc.U[0].I != 1 {
		t.Errorf("usage = %+v, want one entry with i=1", doc.U)
	}

	doc, err = Parse([]byte(`{"u":[{"i":5,"t":"2401010000","d":2},{"i":9223372036854775806,"t":"2401020000","d":1}]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	doc = doc.AddUsage(DeviceCharger, 1, 2, "2501010000")
	want := []Usage{
		{I: 1, T: "2401010000", D: 2},
		{I: 2, T: "2401020000", D: 1},
		{I: 3, T: "2501010000", D: 2, E: 1, V: 2},
	}
	if !reflect.DeepEqual(doc.U, want) {
		t.Errorf("usage = %+v, want %+v", doc.U, want)
	}
}

func TestMutationsDoNotAlias(t *testing.T) {
	doc := New("D4", "").AddUsage(DeviceRobot, 0, 0, "2601010000")
	next := doc.AddUsage(DeviceRobot, 0, 0, "2601010001")
	next.U[0].E = 99

	if doc.U[0].E != 0 || len(doc.U) != 1 {
		t.Errorf("receiver modified: %+v", doc.U)
	}
}

func TestSetMetaClamps(t *testing.T) {
	doc := New("E5", "").SetMeta(Meta{SN: strPtr("E6"), CC: intPtr(-3), N: intPtr(7)})
	if doc.SN != "E6" || doc.CC != 0 || doc.N != 0 {
		t.Errorf("SetMeta() = %+v", doc)
	}
	doc = doc.SetMeta(Meta{N: intPtr(NoteScrap), FU: strPtr("2512312359")})
	if doc.N != NoteScrap || doc.FU != "2512312359" {
		t.Errorf("SetMeta() = %+v", doc)
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{``, `{"sn":`, `[1,2]`, `"A1"`, `{"sn":"A1"} {}`} {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
	if _, err := Parse([]byte("{\"sn\":\"A1\"}\n  ")); err != nil {
		t.Errorf("trailing whitespace rejected: %v", err)
	}
}

func TestCompactNoEscaping(t *testing.T) {
	doc := New("<Bat&ery>é", "")
	got := string(doc.Compact())
	if !strings.Contains(got, `"sn":"<Bat&ery>é"`) {
		t.Errorf("Compact() escaped text: %s", got)
	}
	if strings.ContainsAny(got, " \n") {
		t.Errorf("Compact() has whitespace: %s", got)
	}
}

func TestPretty(t *testing.T) {
	want := "{\n  \"sn\": \"A1\",\n  \"fu\": \"0000000000\",\n  \"cc\": 0,\n  \"n\": 0,\n  \"u\": []\n}"
	if got := New("A1", "").Pretty(); got != want {
		t.Errorf("Pretty() =\n%s\nwant\n%s", got, want)
	}
}

func TestRecent(t *testing.T) {
	doc := New("F6", "").
		AddUsage(DeviceRobot, 0, 0, "2601010000").
		AddUsage(DeviceCharger, 0, 0, "2601010100")
	recent := doc.Recent()
	if recent[0].I != 2 || recent[1].I != 1 {
		t.Errorf("Recent() = %+v", recent)
	}
	if doc.U[0].I != 1 {
		t.Error("Recent() reordered the document")
	}
}

func TestLabels(t *testing.T) {
	if NoteLabel(NotePractice) != "Practice" || NoteLabel(9) != "Unknown" {
		t.Error("NoteLabel mismatch")
	}
	if DeviceLabel(DeviceCharger) != "Charger" || DeviceLabel(0) != "Unknown" {
		t.Error("DeviceLabel mismatch")
	}

	tests := []struct{ in, want string }{
		{UnsetTime, "Date not available"},
		{"", "Date not available"},
		{"2601021504", "2026-01-02 15:04"},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		if got := FormatTimestamp(tt.in); got != tt.want {
			t.Errorf("FormatTimestamp(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
