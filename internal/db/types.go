package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteTimeFormat is the layout of timestamps stored in TEXT columns.
const SQLiteTimeFormat = "2006-01-02 15:04:05"

// textValue extracts the text of a scanned column. ok is false for NULL and
// empty values.
func textValue(value any, into string) (s string, ok bool, err error) {
	switch v := value.(type) {
	case nil:
		return "", false, nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return "", false, fmt.Errorf("cannot scan %T into %s", value, into)
	}
	return s, s != "", nil
}

// Lines stores report detail lines as a JSON array.
type Lines []string

func (l *Lines) Scan(value any) error {
	s, ok, err := textValue(value, "Lines")
	if err != nil || !ok {
		*l = nil
		return err
	}
	return json.Unmarshal([]byte(s), l)
}

func (l Lines) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// NullTime scans an optional timestamp column.
type NullTime struct {
	Time  time.Time
	Valid bool
}

func (t *NullTime) Scan(value any) error {
	s, ok, err := textValue(value, "NullTime")
	if err != nil || !ok {
		t.Valid = false
		return err
	}
	for _, layout := range []string{SQLiteTimeFormat, time.RFC3339Nano} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed, true
			return nil
		}
	}
	return fmt.Errorf("cannot parse time %q", s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(SQLiteTimeFormat)
}
