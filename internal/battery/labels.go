package battery

import "time"

// NoteLabel names a note code.
func NoteLabel(n int) string {
	switch n {
	case NoteNormal:
		return "Normal"
	case NotePractice:
		return "Practice"
	case NoteScrap:
		return "Scrap"
	case NoteOther:
		return "Other"
	default:
		return "Unknown"
	}
}

// DeviceLabel names a usage device code.
func DeviceLabel(d int) string {
	switch d {
	case DeviceRobot:
		return "Robot"
	case DeviceCharger:
		return "Charger"
	default:
		return "Unknown"
	}
}

// FormatTimestamp renders YYMMDDHHMM as "2006-01-02 15:04". Unset stamps
// read "Date not available"; anything unparseable is returned unchanged.
func FormatTimestamp(t string) string {
	if t == "" || t == UnsetTime {
		return "Date not available"
	}
	parsed, err := time.Parse(TimeLayout, t)
	if err != nil {
		return t
	}
	return parsed.Format("2006-01-02 15:04")
}
