// Package state holds the in-memory collections behind a storage handle. It does no
// I/O and no locking; the owning handle serializes access.
package state

import (
	"cmp"
	"slices"
	"time"

	"github.com/davidahmann/timeloop/core/model"
)

type State struct {
	events   map[string]map[uint64]model.Event
	sessions map[string]model.Session
	branches map[string]model.TimelineBranch
}

func New() *State {
	return &State{
		events:   map[string]map[uint64]model.Event{},
		sessions: map[string]model.Session{},
		branches: map[string]model.TimelineBranch{},
	}
}

// PutEvent inserts or replaces the event at (SessionID, SequenceNumber).
func (s *State) PutEvent(event model.Event) {
	bySequence, ok := s.events[event.SessionID]
	if !ok {
		bySequence = map[uint64]model.Event{}
		s.events[event.SessionID] = bySequence
	}
	bySequence[event.SequenceNumber] = event
}

func (s *State) PutSession(session model.Session) {
	s.sessions[session.ID] = session
}

func (s *State) PutBranch(branch model.TimelineBranch) {
	s.branches[branch.ID] = branch
}

// Event looks up one event by its key.
func (s *State) Event(sessionID string, sequence uint64) (model.Event, bool) {
	event, ok := s.events[sessionID][sequence]
	return event, ok
}

func (s *State) RemoveEvent(sessionID string, sequence uint64) {
	bySequence, ok := s.events[sessionID]
	if !ok {
		return
	}
	delete(bySequence, sequence)
	if len(bySequence) == 0 {
		delete(s.events, sessionID)
	}
}

// DeleteSessionRecord drops only the session record and leaves its events in place.
func (s *State) DeleteSessionRecord(id string) {
	delete(s.sessions, id)
}

// DeleteBranchRecord drops only the branch record.
func (s *State) DeleteBranchRecord(id string) {
	delete(s.branches, id)
}

func (s *State) Session(id string) (model.Session, bool) {
	session, ok := s.sessions[id]
	return session, ok
}

func (s *State) Branch(id string) (model.TimelineBranch, bool) {
	branch, ok := s.branches[id]
	return branch, ok
}

// Events returns the session's events sorted by sequence number.
func (s *State) Events(sessionID string) []model.Event {
	bySequence := s.events[sessionID]
	events := make([]model.Event, 0, len(bySequence))
	for _, event := range bySequence {
		events = append(events, event)
	}
	sortBySequence(events)
	return events
}

// LastEvents returns the n highest-sequence events of a session in ascending order.
// It partitions an unsorted copy and sorts only the selected tail.
func (s *State) LastEvents(sessionID string, n int) []model.Event {
	bySequence := s.events[sessionID]
	if n <= 0 || len(bySequence) == 0 {
		return []model.Event{}
	}
	events := make([]model.Event, 0, len(bySequence))
	for _, event := range bySequence {
		events = append(events, event)
	}
	if n < len(events) {
		split := len(events) - n
		selectNth(events, split)
		events = events[split:]
	}
	sortBySequence(events)
	return events
}

// EventsInRange returns events whose timestamp lies within [start, end], by sequence number.
func (s *State) EventsInRange(sessionID string, start, end time.Time) []model.Event {
	events := make([]model.Event, 0)
	for _, event := range s.events[sessionID] {
		if event.Timestamp.Before(start) || event.Timestamp.After(end) {
			continue
		}
		events = append(events, event)
	}
	sortBySequence(events)
	return events
}

func (s *State) LastEvent(sessionID string) (model.Event, bool) {
	var (
		last  model.Event
		found bool
	)
	for sequence, event := range s.events[sessionID] {
		if !found || sequence > last.SequenceNumber {
			last = event
			found = true
		}
	}
	return last, found
}

func (s *State) HasEvent(sessionID, eventID string) bool {
	for _, event := range s.events[sessionID] {
		if event.ID == eventID {
			return true
		}
	}
	return false
}

// Sessions returns every session ordered by creation time, ties broken by id.
func (s *State) Sessions() []model.Session {
	sessions := make([]model.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	slices.SortFunc(sessions, func(a, b model.Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return sessions
}

// Branches returns every branch ordered by creation time, ties broken by id.
func (s *State) Branches() []model.TimelineBranch {
	branches := make([]model.TimelineBranch, 0, len(s.branches))
	for _, branch := range s.branches {
		branches = append(branches, branch)
	}
	slices.SortFunc(branches, func(a, b model.TimelineBranch) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return branches
}

// DeleteSession removes the session and every event keyed to it. It reports whether
// anything was removed.
func (s *State) DeleteSession(id string) bool {
	_, hadSession := s.sessions[id]
	_, hadEvents := s.events[id]
	delete(s.sessions, id)
	delete(s.events, id)
	return hadSession || hadEvents
}

// DeleteBranch removes the branch record and any events stored under the branch id.
func (s *State) DeleteBranch(id string) bool {
	_, hadBranch := s.branches[id]
	_, hadEvents := s.events[id]
	delete(s.branches, id)
	delete(s.events, id)
	return hadBranch || hadEvents
}

// ClearEvents drops a session's events and keeps the session record.
func (s *State) ClearEvents(sessionID string) int {
	removed := len(s.events[sessionID])
	delete(s.events, sessionID)
	return removed
}

func (s *State) EventCount() int {
	total := 0
	for _, bySequence := range s.events {
		total += len(bySequence)
	}
	return total
}

func (s *State) SessionCount() int { return len(s.sessions) }
func (s *State) BranchCount() int  { return len(s.branches) }

// AllEvents returns every event ordered by session id then sequence number.
func (s *State) AllEvents() []model.Event {
	events := make([]model.Event, 0, s.EventCount())
	for _, bySequence := range s.events {
		for _, event := range bySequence {
			events = append(events, event)
		}
	}
	slices.SortFunc(events, func(a, b model.Event) int {
		if c := cmp.Compare(a.SessionID, b.SessionID); c != 0 {
			return c
		}
		return cmp.Compare(a.SequenceNumber, b.SequenceNumber)
	})
	return events
}

func sortBySequence(events []model.Event) {
	slices.SortFunc(events, func(a, b model.Event) int {
		return cmp.Compare(a.SequenceNumber, b.SequenceNumber)
	})
}
