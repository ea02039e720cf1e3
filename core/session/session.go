// Package session manages recording sessions on top of a storage handle: lifecycle,
// per-session summaries and the parent/child session tree.
package session

import (
	"fmt"
	"time"

	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/model"
	"github.com/google/uuid"
)

// Store is the slice of the storage handle this package needs.
type Store interface {
	StoreSession(model.Session) error
	GetSession(id string) (model.Session, error)
	ListSessions() ([]model.Session, error)
	GetEventsForSession(sessionID string) ([]model.Event, error)
	DeleteSession(id string) error
}

type Manager struct {
	store Store
	now   func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the manager's time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Create records a new top-level session and returns it.
func (m *Manager) Create(name string) (model.Session, error) {
	if name == "" {
		return model.Session{}, coreerrors.Wrap(fmt.Errorf("session name is required"), coreerrors.CategoryInvalidInput, "empty_session_name", "", false)
	}
	session := model.Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: m.now(),
	}
	if err := m.store.StoreSession(session); err != nil {
		return model.Session{}, err
	}
	return session, nil
}

// CreateBranch records a child session of an existing parent, named after it.
func (m *Manager) CreateBranch(parentID, branchName string) (model.Session, error) {
	if branchName == "" {
		return model.Session{}, coreerrors.Wrap(fmt.Errorf("branch name is required"), coreerrors.CategoryInvalidInput, "empty_branch_name", "", false)
	}
	parent, err := m.store.GetSession(parentID)
	if err != nil {
		return model.Session{}, err
	}
	session := model.Session{
		ID:              uuid.NewString(),
		Name:            fmt.Sprintf("%s (branch: %s)", parent.Name, branchName),
		CreatedAt:       m.now(),
		ParentSessionID: parent.ID,
		BranchName:      branchName,
	}
	if err := m.store.StoreSession(session); err != nil {
		return model.Session{}, err
	}
	return session, nil
}

// End stamps the session's end time. Ending an already-ended session moves the stamp.
func (m *Manager) End(id string) (model.Session, error) {
	session, err := m.store.GetSession(id)
	if err != nil {
		return model.Session{}, err
	}
	ended := m.now()
	session.EndedAt = &ended
	if err := m.store.StoreSession(session); err != nil {
		return model.Session{}, err
	}
	return session, nil
}

func (m *Manager) Get(id string) (model.Session, error) {
	return m.store.GetSession(id)
}

func (m *Manager) List() ([]model.Session, error) {
	return m.store.ListSessions()
}

func (m *Manager) Delete(id string) error {
	return m.store.DeleteSession(id)
}
