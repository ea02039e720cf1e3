package storage

import (
	"time"

	"github.com/davidahmann/timeloop/core/metrics"
	"github.com/davidahmann/timeloop/core/model"
	"github.com/davidahmann/timeloop/core/state"
)

// StoreEvent inserts or replaces the event at (SessionID, SequenceNumber). In append-only
// mode it appends one log record; otherwise it rewrites the snapshot. On failure the
// in-memory state is rolled back.
func (h *Handle) StoreEvent(event model.Event) error {
	if event.SessionID == "" {
		return invalidInput("empty_session_id", "event %q has no session id", event.ID)
	}
	if event.Payload == nil {
		return invalidInput("empty_payload", "event %q has no payload", event.ID)
	}
	return h.write(metrics.OpStoreEvent, func() error {
		st := h.store.state
		previous, existed := st.Event(event.SessionID, event.SequenceNumber)
		st.PutEvent(event)
		if err := h.persistEventLocked(event); err != nil {
			if existed {
				st.PutEvent(previous)
			} else {
				st.RemoveEvent(event.SessionID, event.SequenceNumber)
			}
			return err
		}
		return nil
	})
}

// StoreSession inserts or replaces a session. Sessions always go through the snapshot.
func (h *Handle) StoreSession(session model.Session) error {
	if session.ID == "" {
		return invalidInput("empty_session_id", "session has no id")
	}
	return h.write(metrics.OpStoreSession, func() error {
		st := h.store.state
		previous, existed := st.Session(session.ID)
		st.PutSession(session)
		if err := h.persistSnapshotLocked(); err != nil {
			if existed {
				st.PutSession(previous)
			} else {
				st.DeleteSessionRecord(session.ID)
			}
			return err
		}
		return nil
	})
}

// StoreBranch inserts or replaces a timeline branch. Branches always go through the snapshot.
func (h *Handle) StoreBranch(branch model.TimelineBranch) error {
	if branch.ID == "" {
		return invalidInput("empty_branch_id", "branch has no id")
	}
	return h.write(metrics.OpStoreBranch, func() error {
		st := h.store.state
		previous, existed := st.Branch(branch.ID)
		st.PutBranch(branch)
		if err := h.persistSnapshotLocked(); err != nil {
			if existed {
				st.PutBranch(previous)
			} else {
				st.DeleteBranchRecord(branch.ID)
			}
			return err
		}
		return nil
	})
}

func (h *Handle) GetSession(id string) (model.Session, error) {
	var session model.Session
	err := h.read(func(st *state.State) error {
		found, ok := st.Session(id)
		if !ok {
			return notFound("session", id)
		}
		session = found
		return nil
	})
	return session, err
}

func (h *Handle) GetBranch(id string) (model.TimelineBranch, error) {
	var branch model.TimelineBranch
	err := h.read(func(st *state.State) error {
		found, ok := st.Branch(id)
		if !ok {
			return notFound("branch", id)
		}
		branch = found
		return nil
	})
	return branch, err
}

// ListSessions returns every session ordered by creation time.
func (h *Handle) ListSessions() ([]model.Session, error) {
	var sessions []model.Session
	err := h.read(func(st *state.State) error {
		sessions = st.Sessions()
		return nil
	})
	return sessions, err
}

// ListBranches returns every branch ordered by creation time.
func (h *Handle) ListBranches() ([]model.TimelineBranch, error) {
	var branches []model.TimelineBranch
	err := h.read(func(st *state.State) error {
		branches = st.Branches()
		return nil
	})
	return branches, err
}

// GetEventsForSession returns the session's events sorted by sequence number.
func (h *Handle) GetEventsForSession(sessionID string) ([]model.Event, error) {
	var events []model.Event
	err := h.read(func(st *state.State) error {
		events = st.Events(sessionID)
		return nil
	})
	return events, err
}

// GetLastNEvents returns the n highest-sequence events in ascending order; n == 0 yields
// an empty slice.
func (h *Handle) GetLastNEvents(sessionID string, n int) ([]model.Event, error) {
	if n < 0 {
		return nil, invalidInput("negative_count", "event count must not be negative, got %d", n)
	}
	var events []model.Event
	err := h.read(func(st *state.State) error {
		events = st.LastEvents(sessionID, n)
		return nil
	})
	return events, err
}

// GetEventsInRange returns events with start <= timestamp <= end, by sequence number.
func (h *Handle) GetEventsInRange(sessionID string, start, end time.Time) ([]model.Event, error) {
	if end.Before(start) {
		return nil, invalidInput("invalid_range", "range end %s is before start %s", end, start)
	}
	var events []model.Event
	err := h.read(func(st *state.State) error {
		events = st.EventsInRange(sessionID, start, end)
		return nil
	})
	return events, err
}

// GetLastEvent returns the highest-sequence event of the session.
func (h *Handle) GetLastEvent(sessionID string) (model.Event, error) {
	var event model.Event
	err := h.read(func(st *state.State) error {
		last, ok := st.LastEvent(sessionID)
		if !ok {
			return notFound("event", sessionID)
		}
		event = last
		return nil
	})
	return event, err
}

// DeleteSession removes the session and all of its events, then persists.
func (h *Handle) DeleteSession(id string) error {
	return h.write(metrics.OpDelete, func() error {
		st := h.store.state
		session, hadSession := st.Session(id)
		events := st.Events(id)
		if !st.DeleteSession(id) {
			return nil
		}
		if err := h.persistAndResetLogLocked(); err != nil {
			if hadSession {
				st.PutSession(session)
			}
			for _, event := range events {
				st.PutEvent(event)
			}
			return err
		}
		return nil
	})
}

// DeleteBranch removes the branch and any events stored under its id, then persists.
func (h *Handle) DeleteBranch(id string) error {
	return h.write(metrics.OpDelete, func() error {
		st := h.store.state
		branch, hadBranch := st.Branch(id)
		events := st.Events(id)
		if !st.DeleteBranch(id) {
			return nil
		}
		if err := h.persistAndResetLogLocked(); err != nil {
			if hadBranch {
				st.PutBranch(branch)
			}
			for _, event := range events {
				st.PutEvent(event)
			}
			return err
		}
		return nil
	})
}

// ClearSessionEvents drops every event of the session and keeps the session itself.
func (h *Handle) ClearSessionEvents(sessionID string) error {
	return h.write(metrics.OpDelete, func() error {
		st := h.store.state
		events := st.Events(sessionID)
		if st.ClearEvents(sessionID) == 0 {
			return nil
		}
		if err := h.persistAndResetLogLocked(); err != nil {
			for _, event := range events {
				st.PutEvent(event)
			}
			return err
		}
		return nil
	})
}
