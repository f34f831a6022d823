package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Peers differ in how much of ISO-8601 they write; accept the common shapes.
var acceptedTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// UTCTime is an ISO-8601 timestamp normalized to UTC on the wire.
type UTCTime struct {
	time.Time
}

func (t UTCTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}

func (t *UTCTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	raw := strings.Trim(string(b), `"`)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range acceptedTimeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidTime, raw)
}
