package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	framePrefixSize = 4
	// maxRecordSize bounds one log record so a corrupt length prefix cannot force a huge allocation.
	maxRecordSize = 64 << 20
)

// Frame wraps one encoded record for the append-only log: a trailing newline for text,
// a 4-byte little-endian length prefix for binary.
func Frame(format Format, body []byte) []byte {
	if format == Binary {
		framed := make([]byte, framePrefixSize+len(body))
		binary.LittleEndian.PutUint32(framed, uint32(len(body)))
		copy(framed[framePrefixSize:], body)
		return framed
	}
	framed := make([]byte, 0, len(body)+1)
	framed = append(framed, body...)
	return append(framed, '\n')
}

// RecordReader yields framed records in file order.
type RecordReader struct {
	format  Format
	reader  *bufio.Reader
	scanner *bufio.Scanner
	record  int
}

func NewRecordReader(format Format, r io.Reader) *RecordReader {
	reader := &RecordReader{format: format}
	if format == Binary {
		reader.reader = bufio.NewReader(r)
		return reader
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	reader.scanner = scanner
	return reader
}

// Next returns the next record body, or io.EOF after the last one. Blank text lines are
// skipped. A truncated binary frame is an error, never a silent stop.
func (r *RecordReader) Next() ([]byte, error) {
	if r.format == Binary {
		return r.nextFrame()
	}
	for r.scanner.Scan() {
		r.record++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log line %d: %w", r.record+1, err)
	}
	return nil, io.EOF
}

// Position is the 1-based index of the record most recently returned.
func (r *RecordReader) Position() int {
	return r.record
}

func (r *RecordReader) nextFrame() ([]byte, error) {
	var prefix [framePrefixSize]byte
	if _, err := io.ReadFull(r.reader, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame %d header: %w", r.record+1, err)
	}
	size := binary.LittleEndian.Uint32(prefix[:])
	if size > maxRecordSize {
		return nil, fmt.Errorf("frame %d declares %d bytes", r.record+1, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r.reader, body); err != nil {
		return nil, fmt.Errorf("read frame %d body: %w", r.record+1, err)
	}
	r.record++
	return body, nil
}

// CountRecords counts records without decoding them: newline-terminated lines for text,
// length prefixes for binary (bodies are skipped, not read into memory).
func CountRecords(format Format, r io.Reader) (int, error) {
	if format == Binary {
		return countFrames(bufio.NewReader(r))
	}
	count := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("count log lines: %w", err)
	}
	return count, nil
}

func countFrames(reader *bufio.Reader) (int, error) {
	count := 0
	var prefix [framePrefixSize]byte
	for {
		if _, err := io.ReadFull(reader, prefix[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, fmt.Errorf("count frames: %w", err)
		}
		size := int(binary.LittleEndian.Uint32(prefix[:]))
		if _, err := reader.Discard(size); err != nil {
			return count, fmt.Errorf("count frames: skip frame %d: %w", count+1, err)
		}
		count++
	}
}
