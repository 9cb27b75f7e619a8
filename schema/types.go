package schema

import (
	"strconv"
	"strings"
	"time"
)

// UserID identifies a chat user. Telegram user ids are stored as decimal strings.
type UserID string

// TrackID is the numeric App Store identifier of an app, kept as a string.
type TrackID string

// TimestampLayout matches the ISO-8601 local time format used in the data files.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// FormatTimestamp renders t in the data file timestamp layout.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ParseTimestamp parses a data file timestamp. Values without fractional
// seconds are accepted as well.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.ParseInLocation(TimestampLayout, value, time.Local); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", value, time.Local)
}

// UserIDFromInt converts a numeric chat user id.
func UserIDFromInt(id int64) UserID {
	return UserID(strconv.FormatInt(id, 10))
}

// TrackIDFromInt converts a numeric App Store track id.
func TrackIDFromInt(id int64) TrackID {
	return TrackID(strconv.FormatInt(id, 10))
}

// MonitoredApp is an app a user watches for new versions.
type MonitoredApp struct {
	Name        string  `json:"name"`
	Version     string  `json:"version"`
	BundleID    string  `json:"bundle_id"`
	TrackID     TrackID `json:"track_id"`
	URL         string  `json:"url"`
	AddedAt     string  `json:"added_at"`
	LastChecked string  `json:"last_checked"`
}

// NotifyConfig holds a user's external notification endpoints.
type NotifyConfig struct {
	Enabled   bool     `json:"enabled"`
	Endpoints []string `json:"endpoints"`
}

// VersionChange describes a detected app update.
type VersionChange struct {
	UserID     UserID
	App        MonitoredApp
	OldVersion string
	NewVersion string
	DetectedAt time.Time
}
