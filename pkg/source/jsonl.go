package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxRecordBytes bounds a single JSONL record line.
const DefaultMaxRecordBytes = 1 << 20

var errLineTooLong = errors.New("jsonl line exceeds max bytes")

// LineDecoder reads newline-delimited JSON records from a stream.
//
// Blank lines are skipped. Each record is validated as JSON but not
// otherwise interpreted; undecodable input surfaces as ErrBadRecord.
type LineDecoder struct {
	r        *bufio.Reader
	maxBytes int
	records  int64
}

// NewLineDecoder wraps r in a decoder with the default record limit.
func NewLineDecoder(r io.Reader) *LineDecoder {
	return &LineDecoder{r: bufio.NewReader(r), maxBytes: DefaultMaxRecordBytes}
}

// SetMaxRecordBytes adjusts the per-record size limit. Non-positive
// values restore the default.
func (d *LineDecoder) SetMaxRecordBytes(n int) {
	if n <= 0 {
		d.maxBytes = DefaultMaxRecordBytes
		return
	}
	d.maxBytes = n
}

// Next returns the next record, or io.EOF at the end of the stream.
func (d *LineDecoder) Next() (json.RawMessage, error) {
	for {
		line, err := readLineLimited(d.r, d.maxBytes)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				return nil, fmt.Errorf("%w: record %d exceeds %d bytes", ErrBadRecord, d.records+1, d.maxBytes)
			}
			return nil, err
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("%w: record %d is not valid JSON", ErrBadRecord, d.records+1)
		}
		d.records++
		return json.RawMessage(trimmed), nil
	}
}

// Records returns the number of records decoded so far.
func (d *LineDecoder) Records() int64 {
	return d.records
}

func readLineLimited(r *bufio.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRecordBytes
	}

	var out []byte
	for {
		frag, err := r.ReadSlice('\n')
		out = append(out, frag...)
		if len(out) > maxBytes {
			return nil, errLineTooLong
		}
		if err == nil {
			return bytes.TrimSuffix(out, []byte("\n")), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(out) == 0 {
				return nil, io.EOF
			}
			return out, nil
		}
		return nil, err
	}
}
