// Package branch manages timeline branches: alternate continuations that diverge from a
// parent session at one recorded event.
package branch

import (
	"errors"
	"fmt"
	"slices"
	"time"

	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/model"
	"github.com/google/uuid"
)

// Store is the slice of the storage handle this package needs.
type Store interface {
	StoreBranch(model.TimelineBranch) error
	StoreEvent(model.Event) error
	GetBranch(id string) (model.TimelineBranch, error)
	GetSession(id string) (model.Session, error)
	ListBranches() ([]model.TimelineBranch, error)
	GetEventsForSession(sessionID string) ([]model.Event, error)
	GetLastEvent(sessionID string) (model.Event, error)
	DeleteBranch(id string) error
}

var ErrBranchPointMissing = errors.New("branch point event not found in parent session")

type Manager struct {
	store Store
	now   func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Create records a branch diverging from parentSessionID at eventID. The event must be
// one of the parent's recorded events.
func (m *Manager) Create(parentSessionID, name, eventID, description string) (model.TimelineBranch, error) {
	if name == "" {
		return model.TimelineBranch{}, coreerrors.Wrap(fmt.Errorf("branch name is required"), coreerrors.CategoryInvalidInput, "empty_branch_name", "", false)
	}
	events, err := m.store.GetEventsForSession(parentSessionID)
	if err != nil {
		return model.TimelineBranch{}, err
	}
	if divergence(events, eventID) < 0 {
		return model.TimelineBranch{}, branchPointError(parentSessionID, eventID)
	}
	branch := model.TimelineBranch{
		ID:                 uuid.NewString(),
		Name:               name,
		ParentSessionID:    parentSessionID,
		BranchPointEventID: eventID,
		CreatedAt:          m.now(),
		Description:        description,
	}
	if err := m.store.StoreBranch(branch); err != nil {
		return model.TimelineBranch{}, err
	}
	return branch, nil
}

func (m *Manager) Get(id string) (model.TimelineBranch, error) {
	return m.store.GetBranch(id)
}

func (m *Manager) List() ([]model.TimelineBranch, error) {
	return m.store.ListBranches()
}

// ForSession lists the branches that diverge from sessionID.
func (m *Manager) ForSession(sessionID string) ([]model.TimelineBranch, error) {
	branches, err := m.store.ListBranches()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(branches, func(branch model.TimelineBranch) bool {
		return branch.ParentSessionID != sessionID
	}), nil
}

// Delete removes the branch record and the events recorded on it.
func (m *Manager) Delete(id string) error {
	if _, err := m.store.GetBranch(id); err != nil {
		return err
	}
	return m.store.DeleteBranch(id)
}

func divergence(events []model.Event, eventID string) int {
	return slices.IndexFunc(events, func(event model.Event) bool { return event.ID == eventID })
}

func branchPointError(sessionID, eventID string) error {
	return coreerrors.Wrap(fmt.Errorf("%w: event %q in session %q", ErrBranchPointMissing, eventID, sessionID), coreerrors.CategoryNotFound, "branch_point_not_found", "pick an event id from the parent session", false)
}

func isNotFound(err error) bool {
	return coreerrors.CategoryOf(err) == coreerrors.CategoryNotFound
}
