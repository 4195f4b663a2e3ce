package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// legacyTimestampLayout is the naive local layout older request logs were written with.
const legacyTimestampLayout = "2006-01-02 15:04:05"

// RequestLogEntry records a single analyzer call.
type RequestLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Success   bool      `json:"success"`
	Count     int64     `json:"count"`
}

// UnmarshalJSON accepts RFC 3339 timestamps as well as the legacy naive layout.
func (e *RequestLogEntry) UnmarshalJSON(b []byte) error {
	var raw struct {
		Timestamp string `json:"timestamp"`
		Provider  string `json:"provider"`
		Model     string `json:"model"`
		Success   bool   `json:"success"`
		Count     int64  `json:"count"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	*e = RequestLogEntry{
		Timestamp: ts,
		Provider:  raw.Provider,
		Model:     raw.Model,
		Success:   raw.Success,
		Count:     raw.Count,
	}
	return nil
}

// resetRecord is the single-record store of the last quota reset.
type resetRecord struct {
	LastReset string `json:"last_reset"`
}

func parseTimestamp(v string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.999999999", v); err == nil {
		return ts, nil
	}
	if ts, err := time.ParseInLocation(legacyTimestampLayout, v, time.Local); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", v)
}
