package branch

import (
	"cmp"
	"slices"
	"time"

	"github.com/davidahmann/timeloop/core/model"
	"github.com/google/uuid"
)

// Timeline is a branch's view of history: the parent's events up to and including the
// divergence point, then the events recorded on the branch itself.
type Timeline struct {
	Branch       model.TimelineBranch `json:"branch"`
	ParentEvents []model.Event        `json:"parent_events"`
	BranchEvents []model.Event        `json:"branch_events"`
}

// Events merges both halves ordered by sequence number.
func (t Timeline) Events() []model.Event {
	all := make([]model.Event, 0, len(t.ParentEvents)+len(t.BranchEvents))
	all = append(all, t.ParentEvents...)
	all = append(all, t.BranchEvents...)
	slices.SortStableFunc(all, func(a, b model.Event) int {
		return cmp.Compare(a.SequenceNumber, b.SequenceNumber)
	})
	return all
}

// DivergencePoint is the last shared event.
func (t Timeline) DivergencePoint() (model.Event, bool) {
	if len(t.ParentEvents) == 0 {
		return model.Event{}, false
	}
	return t.ParentEvents[len(t.ParentEvents)-1], true
}

// Duration spans the first and last branch events; zero without branch events.
func (t Timeline) Duration() time.Duration {
	if len(t.BranchEvents) == 0 {
		return 0
	}
	return t.BranchEvents[len(t.BranchEvents)-1].Timestamp.Sub(t.BranchEvents[0].Timestamp)
}

func (m *Manager) Timeline(id string) (Timeline, error) {
	branch, err := m.store.GetBranch(id)
	if err != nil {
		return Timeline{}, err
	}
	parentEvents, err := m.store.GetEventsForSession(branch.ParentSessionID)
	if err != nil {
		return Timeline{}, err
	}
	index := divergence(parentEvents, branch.BranchPointEventID)
	if index < 0 {
		return Timeline{}, branchPointError(branch.ParentSessionID, branch.BranchPointEventID)
	}
	branchEvents, err := m.store.GetEventsForSession(branch.ID)
	if err != nil {
		return Timeline{}, err
	}
	return Timeline{
		Branch:       branch,
		ParentEvents: parentEvents[:index+1],
		BranchEvents: branchEvents,
	}, nil
}

// Replay is the parent history a branch starts from.
func (m *Manager) Replay(id string) ([]model.Event, error) {
	timeline, err := m.Timeline(id)
	if err != nil {
		return nil, err
	}
	return timeline.ParentEvents, nil
}

// Merge copies the branch's own events into targetSessionID under fresh ids, numbered
// after the target's current last event. It returns the copied events.
func (m *Manager) Merge(id, targetSessionID string) ([]model.Event, error) {
	timeline, err := m.Timeline(id)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.GetSession(targetSessionID); err != nil {
		return nil, err
	}
	next := uint64(0)
	last, err := m.store.GetLastEvent(targetSessionID)
	switch {
	case err == nil:
		next = last.SequenceNumber + 1
	case !isNotFound(err):
		return nil, err
	}

	merged := make([]model.Event, 0, len(timeline.BranchEvents))
	for _, event := range timeline.BranchEvents {
		event.ID = uuid.NewString()
		event.SessionID = targetSessionID
		event.SequenceNumber = next
		next++
		if err := m.store.StoreEvent(event); err != nil {
			return merged, err
		}
		merged = append(merged, event)
	}
	return merged, nil
}
