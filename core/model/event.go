package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type EventKind string

const (
	KindKeyPress        EventKind = "key_press"
	KindCommand         EventKind = "command"
	KindFileChange      EventKind = "file_change"
	KindTerminalState   EventKind = "terminal_state"
	KindSessionMetadata EventKind = "session_metadata"
)

// Payload is the closed set of things an Event can describe. Only the types in
// this package implement it; consumers switch on the concrete type.
type Payload interface {
	Kind() EventKind
	isPayload()
}

type KeyPress struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}

type Command struct {
	Command          string    `json:"command"`
	Output           string    `json:"output"`
	ExitCode         int32     `json:"exit_code"`
	WorkingDirectory string    `json:"working_directory"`
	Timestamp        time.Time `json:"timestamp"`
}

type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

type FileChange struct {
	Path        string     `json:"path"`
	ChangeType  ChangeType `json:"change_type"`
	OldPath     string     `json:"old_path,omitempty"`
	ContentHash string     `json:"content_hash,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

type TerminalState struct {
	CursorRow  uint16    `json:"cursor_row"`
	CursorCol  uint16    `json:"cursor_col"`
	ScreenRows uint16    `json:"screen_rows"`
	ScreenCols uint16    `json:"screen_cols"`
	Timestamp  time.Time `json:"timestamp"`
}

type SessionMetadata struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Timestamp time.Time `json:"timestamp"`
}

func (KeyPress) Kind() EventKind        { return KindKeyPress }
func (Command) Kind() EventKind         { return KindCommand }
func (FileChange) Kind() EventKind      { return KindFileChange }
func (TerminalState) Kind() EventKind   { return KindTerminalState }
func (SessionMetadata) Kind() EventKind { return KindSessionMetadata }

func (KeyPress) isPayload()        {}
func (Command) isPayload()         {}
func (FileChange) isPayload()      {}
func (TerminalState) isPayload()   {}
func (SessionMetadata) isPayload() {}

// cborMode keeps sub-second timestamps, which the default Unix-seconds mode drops.
var cborMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// Event is one recorded occurrence. SequenceNumber is assigned by the caller and
// is unique within SessionID; storage never renumbers it.
type Event struct {
	ID             string
	SessionID      string
	Payload        Payload
	SequenceNumber uint64
	Timestamp      time.Time
}

// eventRecord is the on-disk shape shared by the JSON and CBOR encodings: a
// type tag plus exactly one populated variant field.
type eventRecord struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id"`
	Type            EventKind        `json:"type"`
	KeyPress        *KeyPress        `json:"key_press,omitempty"`
	Command         *Command         `json:"command,omitempty"`
	FileChange      *FileChange      `json:"file_change,omitempty"`
	TerminalState   *TerminalState   `json:"terminal_state,omitempty"`
	SessionMetadata *SessionMetadata `json:"session_metadata,omitempty"`
	SequenceNumber  uint64           `json:"sequence_number"`
	Timestamp       time.Time        `json:"timestamp"`
}

func (e Event) toRecord() (eventRecord, error) {
	record := eventRecord{
		ID:             e.ID,
		SessionID:      e.SessionID,
		SequenceNumber: e.SequenceNumber,
		Timestamp:      e.Timestamp,
	}
	switch payload := e.Payload.(type) {
	case KeyPress:
		record.KeyPress = &payload
	case Command:
		record.Command = &payload
	case FileChange:
		record.FileChange = &payload
	case TerminalState:
		record.TerminalState = &payload
	case SessionMetadata:
		record.SessionMetadata = &payload
	case nil:
		return eventRecord{}, fmt.Errorf("event %s has no payload", e.ID)
	default:
		return eventRecord{}, fmt.Errorf("event %s has unsupported payload %T", e.ID, payload)
	}
	record.Type = e.Payload.Kind()
	return record, nil
}

func (r eventRecord) toEvent() (Event, error) {
	event := Event{
		ID:             r.ID,
		SessionID:      r.SessionID,
		SequenceNumber: r.SequenceNumber,
		Timestamp:      r.Timestamp,
	}
	var missing bool
	switch r.Type {
	case KindKeyPress:
		missing = r.KeyPress == nil
		if !missing {
			event.Payload = *r.KeyPress
		}
	case KindCommand:
		missing = r.Command == nil
		if !missing {
			event.Payload = *r.Command
		}
	case KindFileChange:
		missing = r.FileChange == nil
		if !missing {
			event.Payload = *r.FileChange
		}
	case KindTerminalState:
		missing = r.TerminalState == nil
		if !missing {
			event.Payload = *r.TerminalState
		}
	case KindSessionMetadata:
		missing = r.SessionMetadata == nil
		if !missing {
			event.Payload = *r.SessionMetadata
		}
	default:
		return Event{}, fmt.Errorf("event %s has unknown type %q", r.ID, r.Type)
	}
	if missing {
		return Event{}, fmt.Errorf("event %s of type %s is missing its payload", r.ID, r.Type)
	}
	return event, nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	record, err := e.toRecord()
	if err != nil {
		return nil, err
	}
	return json.Marshal(record)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var record eventRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return err
	}
	decoded, err := record.toEvent()
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

func (e Event) MarshalCBOR() ([]byte, error) {
	record, err := e.toRecord()
	if err != nil {
		return nil, err
	}
	return cborMode.Marshal(record)
}

func (e *Event) UnmarshalCBOR(data []byte) error {
	var record eventRecord
	if err := cbor.Unmarshal(data, &record); err != nil {
		return err
	}
	decoded, err := record.toEvent()
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}
