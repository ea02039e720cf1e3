package codec

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/model"
	"github.com/davidahmann/timeloop/core/state"
)

func sampleState() *state.State {
	now := time.Date(2026, 2, 3, 4, 5, 6, 7, time.UTC)
	ended := now.Add(time.Hour)
	st := state.New()
	st.PutSession(model.Session{ID: "s1", Name: "main", CreatedAt: now, EndedAt: &ended})
	st.PutSession(model.Session{ID: "s2", Name: "fork", CreatedAt: now.Add(time.Minute), ParentSessionID: "s1", BranchName: "try"})
	st.PutBranch(model.TimelineBranch{ID: "b1", Name: "alt", ParentSessionID: "s1", BranchPointEventID: "e1", CreatedAt: now})
	st.PutEvent(model.Event{ID: "e1", SessionID: "s1", SequenceNumber: 1, Timestamp: now, Payload: model.Command{Command: "make", ExitCode: 1, Timestamp: now}})
	st.PutEvent(model.Event{ID: "e0", SessionID: "s1", SequenceNumber: 0, Timestamp: now, Payload: model.KeyPress{Key: "m", Timestamp: now}})
	return st
}

func TestSnapshotRoundTripBothFormats(t *testing.T) {
	for _, format := range []Format{Text, Binary} {
		t.Run(string(format), func(t *testing.T) {
			encoded, err := EncodeSnapshot(format, sampleState())
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, err := DecodeSnapshot(format, encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if decoded.SessionCount() != 2 || decoded.BranchCount() != 1 || decoded.EventCount() != 2 {
				t.Fatalf("unexpected counts after round trip")
			}
			events := decoded.Events("s1")
			if events[0].ID != "e0" || events[1].ID != "e1" {
				t.Fatalf("unexpected event order: %v", events)
			}
			session, _ := decoded.Session("s1")
			if session.EndedAt == nil {
				t.Fatal("expected ended_at to survive")
			}
			fork, _ := decoded.Session("s2")
			if !fork.IsBranch() || fork.BranchName != "try" {
				t.Fatalf("unexpected fork session: %#v", fork)
			}
		})
	}
}

func TestTextSnapshotIsPrettyAndDeterministic(t *testing.T) {
	first, err := EncodeSnapshot(Text, sampleState())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := EncodeSnapshot(Text, sampleState())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("expected identical encodings for identical state")
	}
	if !strings.Contains(string(first), "\n  \"sessions\"") {
		t.Fatalf("expected indented output:\n%s", first)
	}
}

func TestDecodeSnapshotClassifiesGarbage(t *testing.T) {
	cases := map[Format][]byte{
		Text:   []byte("{not json"),
		Binary: {0xff, 0x00, 0x13},
	}
	for format, raw := range cases {
		_, err := DecodeSnapshot(format, raw)
		if err == nil {
			t.Fatalf("%s: expected decode error", format)
		}
		if coreerrors.CategoryOf(err) != coreerrors.CategorySerialization {
			t.Fatalf("%s: expected serialization category, got %q", format, coreerrors.CategoryOf(err))
		}
	}
}

func TestDetectAndLogPath(t *testing.T) {
	cases := []struct {
		path string
		want Format
	}{
		{"state.json", Text},
		{"state.CBOR", Binary},
		{"state.bin", Binary},
		{"state.db", Binary},
	}
	for _, tc := range cases {
		if got := Detect(tc.path, Binary); got != tc.want {
			t.Fatalf("Detect(%q)=%s want %s", tc.path, got, tc.want)
		}
	}
	if got := LogPath("/tmp/state.json", Text); got != "/tmp/state.json.events.jsonl" {
		t.Fatalf("unexpected text log path %s", got)
	}
	if got := LogPath("/tmp/state.cbor", Binary); got != "/tmp/state.cbor.events.cbor" {
		t.Fatalf("unexpected binary log path %s", got)
	}
}

func TestParseFormat(t *testing.T) {
	for raw, want := range map[string]Format{"json": Text, " TEXT ": Text, "cbor": Binary, "binary": Binary} {
		got, err := ParseFormat(raw)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q)=%s,%v", raw, got, err)
		}
	}
	if _, err := ParseFormat("yaml"); coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestFramesRoundTripAndCount(t *testing.T) {
	for _, format := range []Format{Text, Binary} {
		var log bytes.Buffer
		for _, body := range []string{`{"a":1}`, `{"b":2}`, `{"c":3}`} {
			log.Write(Frame(format, []byte(body)))
		}
		count, err := CountRecords(format, bytes.NewReader(log.Bytes()))
		if err != nil || count != 3 {
			t.Fatalf("%s: count=%d err=%v", format, count, err)
		}
		reader := NewRecordReader(format, bytes.NewReader(log.Bytes()))
		var got []string
		for {
			record, err := reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatalf("%s: next: %v", format, err)
			}
			got = append(got, string(record))
		}
		if strings.Join(got, ",") != `{"a":1},{"b":2},{"c":3}` {
			t.Fatalf("%s: unexpected records %v", format, got)
		}
	}
}

func TestTruncatedBinaryFrameIsError(t *testing.T) {
	framed := Frame(Binary, []byte("0123456789"))
	reader := NewRecordReader(Binary, bytes.NewReader(framed[:8]))
	if _, err := reader.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected truncation error, got %v", err)
	}
	if _, err := CountRecords(Binary, bytes.NewReader(framed[:8])); err == nil {
		t.Fatal("expected count to report truncated frame")
	}
}
