package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entry is the envelope every tier stores. Times are epoch milliseconds so
// data written by earlier versions of the tracker stays readable.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	TTL       *int64          `json:"ttl"`
	ExpiresAt *int64          `json:"expiresAt"`
}

func newEntry(value json.RawMessage, now time.Time, ttl time.Duration) Entry {
	e := Entry{Value: value, Timestamp: now.UnixMilli()}
	if ttl > 0 {
		ms := ttl.Milliseconds()
		exp := e.Timestamp + ms
		e.TTL = &ms
		e.ExpiresAt = &exp
	}
	return e
}

// Valid reports whether the entry has not expired at now.
func (e Entry) Valid(now time.Time) bool {
	return e.ExpiresAt == nil || now.UnixMilli() <= *e.ExpiresAt
}

var errCorruptEntry = errors.New("corrupt cache entry")

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", errCorruptEntry, err)
	}
	if len(e.Value) == 0 {
		return Entry{}, fmt.Errorf("%w: missing value", errCorruptEntry)
	}
	return e, nil
}

func (e Entry) encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode cache entry: %w", err)
	}
	return string(data), nil
}

func encodeValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if v == nil {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("cache value is not valid JSON")
		}
		return append(json.RawMessage(nil), v...), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cache value: %w", err)
	}
	return data, nil
}
