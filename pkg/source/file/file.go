// Package file implements a source that reads JSONL record files from a
// local directory tree.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eventmill/eventmill/pkg/source"
)

// Config configures a file source.
type Config struct {
	// Dir is the root directory containing record files (required).
	Dir string

	// Includes and Excludes are glob patterns applied to file paths
	// relative to Dir (slash-separated). Empty includes selects every
	// file under Dir.
	Includes []string
	Excludes []string

	// MaxRecordBytes bounds a single record line. Zero uses the source
	// package default.
	MaxRecordBytes int
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("source dir is required")
	}
	return nil
}

// Reader implements source.Reader over a directory of JSONL files.
//
// Files are visited in lexicographic order of their slash-separated
// relative paths. The file set is snapshotted on first read; files added
// afterwards are not seen until a new Reader is opened.
type Reader struct {
	dir      string
	selector *source.Selector
	maxBytes int

	keys []string
	idx  int
	f    *os.File
	dec  *source.LineDecoder
	pos  source.Position
}

var _ source.Reader = (*Reader)(nil)

// New creates a file source reader for the given configuration.
func New(cfg Config) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sel, err := source.NewSelector(cfg.Includes, cfg.Excludes)
	if err != nil {
		return nil, err
	}
	maxBytes := cfg.MaxRecordBytes
	if maxBytes <= 0 {
		maxBytes = source.DefaultMaxRecordBytes
	}
	return &Reader{dir: filepath.Clean(cfg.Dir), selector: sel, maxBytes: maxBytes}, nil
}

// Read returns the next batch of at most max records after cursor.
func (r *Reader) Read(ctx context.Context, cursor string, max int) (*source.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = source.DefaultMaxRecords
	}

	want, err := source.ParsePosition(cursor)
	if err != nil {
		return nil, r.wrapError("Read", "", err)
	}

	if r.keys == nil {
		keys, err := r.collectKeys()
		if err != nil {
			return nil, r.wrapError("Read", "", err)
		}
		r.keys = keys
	}

	if err := r.seek(want); err != nil {
		return nil, err
	}

	batch := &source.Batch{}
	for len(batch.Records) < max {
		if r.dec == nil {
			if r.idx >= len(r.keys) {
				break
			}
			if err := r.openKey(r.idx); err != nil {
				return nil, err
			}
		}

		rec, err := r.dec.Next()
		if errors.Is(err, io.EOF) {
			r.closeFile()
			r.idx++
			continue
		}
		if err != nil {
			key := r.pos.Key
			r.closeFile()
			return nil, r.wrapError("Read", key, err)
		}

		batch.Records = append(batch.Records, source.Record{Data: rec})
		r.pos.Line++
	}

	batch.NextCursor = r.pos.Encode()
	batch.Exhausted = r.idx >= len(r.keys)
	return batch, nil
}

// Close releases the open file, if any.
func (r *Reader) Close() error {
	r.closeFile()
	return nil
}

// seek positions the reader at want, reusing the current decoder when it
// is already there.
func (r *Reader) seek(want source.Position) error {
	if want.Key == "" && len(r.keys) > 0 {
		want.Key = r.keys[0]
	}

	if r.aligned(want) {
		return nil
	}
	r.closeFile()

	if len(r.keys) == 0 {
		if want.Key == "" {
			r.idx = 0
			r.pos = source.Position{}
			return nil
		}
		return r.wrapError("Read", want.Key, fmt.Errorf("%w: key %q not in source", source.ErrBadCursor, want.Key))
	}

	i := sort.SearchStrings(r.keys, want.Key)
	if i >= len(r.keys) || r.keys[i] != want.Key {
		return r.wrapError("Read", want.Key, fmt.Errorf("%w: key %q not in source", source.ErrBadCursor, want.Key))
	}

	r.idx = i
	if err := r.openKey(i); err != nil {
		return err
	}

	// Skip records the cursor has already consumed.
	for n := int64(0); n < want.Line; n++ {
		if _, err := r.dec.Next(); err != nil {
			key := want.Key
			r.closeFile()
			if errors.Is(err, io.EOF) {
				return r.wrapError("Read", key, fmt.Errorf("%w: line %d beyond end of %q", source.ErrBadCursor, want.Line, key))
			}
			return r.wrapError("Read", key, err)
		}
	}
	r.pos = want
	return nil
}

// aligned reports whether the reader already sits at want.
func (r *Reader) aligned(want source.Position) bool {
	if r.dec != nil {
		return r.pos == want
	}
	// After exhausting the record set the position stays at the end of
	// the last file.
	return len(r.keys) > 0 && r.idx >= len(r.keys) && r.pos == want
}

func (r *Reader) openKey(i int) error {
	key := r.keys[i]
	f, err := os.Open(filepath.Join(r.dir, filepath.FromSlash(key)))
	if err != nil {
		return r.wrapError("Read", key, err)
	}
	r.f = f
	r.dec = source.NewLineDecoder(f)
	r.dec.SetMaxRecordBytes(r.maxBytes)
	r.pos = source.Position{Key: key}
	return nil
}

func (r *Reader) closeFile() {
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
	}
	r.dec = nil
}

// collectKeys walks the directory once and returns the sorted relative
// paths selected by the include/exclude patterns.
func (r *Reader) collectKeys() ([]string, error) {
	if _, err := os.Stat(r.dir); err != nil {
		return nil, err
	}

	keys := []string{}
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !r.selector.Match(rel) {
			return nil
		}
		keys = append(keys, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Reader) wrapError(op, key string, err error) error {
	wrapped := &source.SourceError{Op: op, Source: source.KindFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to source sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = source.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = source.ErrAccessDenied
	}
	return wrapped
}
