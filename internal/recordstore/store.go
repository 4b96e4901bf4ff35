// Package recordstore is the large-capacity tier of the offline cache: an
// async key/value table for payloads too big or too important for the
// string stores. Values are opaque bytes; large values are brotli-compressed
// before they reach the database.
package recordstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
)

// ErrNotFound indicates a requested record was not found.
var ErrNotFound = errors.New("record not found")

const (
	encodingIdentity = "identity"
	encodingBrotli   = "br"

	// DefaultCompressThreshold is the payload size above which values are compressed.
	DefaultCompressThreshold = 4 << 10
)

// Record is one row of the table.
type Record struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Store defines the operations of the large-capacity tier.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put inserts or replaces the record with rec.Key.
	Put(ctx context.Context, rec *Record) error
	// Get returns ErrNotFound when key is absent.
	Get(ctx context.Context, key string) (*Record, error)
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, key string) error
	// List returns every record whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]*Record, error)
	// DeletePrefix removes every record whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	Close() error
}

// Options tune how values are stored.
type Options struct {
	// CompressThreshold is the value size in bytes above which values are
	// brotli-compressed. Zero selects DefaultCompressThreshold; negative disables compression.
	CompressThreshold int
}

func (o Options) threshold() int {
	if o.CompressThreshold == 0 {
		return DefaultCompressThreshold
	}
	return o.CompressThreshold
}

func validateRecord(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	if rec.Key == "" {
		return fmt.Errorf("record key is required")
	}
	return nil
}

func updatedAt(rec *Record) time.Time {
	if rec.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return rec.UpdatedAt.UTC()
}

// encodePayload compresses value when it is larger than threshold.
func encodePayload(value []byte, threshold int) ([]byte, string, error) {
	if threshold < 0 || len(value) <= threshold {
		return value, encodingIdentity, nil
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(value); err != nil {
		return nil, "", fmt.Errorf("compress record: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("compress record: %w", err)
	}
	return buf.Bytes(), encodingBrotli, nil
}

func decodePayload(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case encodingIdentity, "":
		return data, nil
	case encodingBrotli:
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("decompress record: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown record encoding %q", encoding)
	}
}
