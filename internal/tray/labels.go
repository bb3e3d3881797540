package tray

import (
	"fmt"

	"github.com/IronMaple/battery-agent/internal/battery"
	"github.com/IronMaple/battery-agent/internal/tag"
)

func readerTitle(count int) string {
	switch count {
	case 0:
		return "Readers: None connected"
	case 1:
		return "Readers: 1 connected"
	default:
		return fmt.Sprintf("Readers: %d connected", count)
	}
}

// tagTitle summarizes the last tag result for the menu.
func tagTitle(res tag.Result) string {
	if res.Err != nil {
		return "Last tag: " + shorten(res.Err.Error(), 48)
	}
	d := res.Snapshot.Doc
	return fmt.Sprintf("Last tag: %s, %d cycles, %s", d.SN, d.CC, battery.NoteLabel(d.N))
}

func versionTitle(version string) string {
	if len(version) > 0 && version[0] >= '0' && version[0] <= '9' {
		version = "v" + version
	}
	return "Battery Agent " + version
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
