// Package source defines how historical event records are read for import.
//
// Sources stream newline-delimited JSON records in a stable order and
// support resuming from an opaque cursor. Implementations live in
// subpackages (file, s3) and are constructed directly; callers work
// against the Reader interface.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Reader streams event records from a backing store.
//
// Implementations must:
//   - Return records in a stable order across restarts
//   - Resume exactly after the record identified by the cursor
//   - Fill batches to max while records remain
//
// A Reader serves a single import run and is not safe for concurrent use.
type Reader interface {
	// Read returns the next batch of at most max records after cursor.
	// An empty cursor starts from the beginning of the record set. The
	// returned batch is shorter than max only when the record set is
	// exhausted.
	Read(ctx context.Context, cursor string, max int) (*Batch, error)

	// Close releases any resources held by the reader.
	Close() error
}

// DefaultMaxRecords is the batch size used when Read is called with a
// non-positive max.
const DefaultMaxRecords = 1000

// Record is a single event payload read from a source.
type Record struct {
	// Data is the raw JSON event exactly as stored.
	Data json.RawMessage
}

// Batch is a page of records returned by a Reader.
type Batch struct {
	// Records holds the event payloads in source order.
	Records []Record

	// NextCursor resumes reading immediately after the last record in
	// this batch. It is valid even when the batch is empty.
	NextCursor string

	// Exhausted reports that no records remain after this batch.
	Exhausted bool
}

// Kind identifies a source implementation.
type Kind string

const (
	// KindFile reads record files from a local directory tree.
	KindFile Kind = "file"

	// KindS3 reads record objects from AWS S3 or S3-compatible storage.
	KindS3 Kind = "s3"
)

// String returns the string representation of the source kind.
func (k Kind) String() string {
	return string(k)
}

// Position identifies a record boundary inside a source.
//
// Key names the object or file the position refers to; Line counts the
// records already consumed from it. The JSON encoding of a Position is
// the cursor persisted in job checkpoints.
type Position struct {
	Key  string `json:"key"`
	Line int64  `json:"line"`
}

// Encode returns the cursor string for the position.
func (p Position) Encode() string {
	b, err := json.Marshal(p)
	if err != nil {
		// Position has no unmarshalable fields.
		return ""
	}
	return string(b)
}

// ParsePosition decodes a cursor produced by Encode. An empty cursor
// yields the zero position, which reads from the start of the record set.
func ParsePosition(cursor string) (Position, error) {
	if cursor == "" {
		return Position{}, nil
	}

	dec := json.NewDecoder(strings.NewReader(cursor))
	dec.DisallowUnknownFields()

	var p Position
	if err := dec.Decode(&p); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if p.Line < 0 {
		return Position{}, fmt.Errorf("%w: negative line %d", ErrBadCursor, p.Line)
	}
	if p.Key == "" && p.Line > 0 {
		return Position{}, fmt.Errorf("%w: line %d without a key", ErrBadCursor, p.Line)
	}
	return p, nil
}
