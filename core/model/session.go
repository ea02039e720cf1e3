package model

import "time"

// Session is one recorded terminal session. A non-empty ParentSessionID marks it as a
// branch of that session; the parent is not required to exist.
type Session struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	CreatedAt       time.Time  `json:"created_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ParentSessionID string     `json:"parent_session_id,omitempty"`
	BranchName      string     `json:"branch_name,omitempty"`
}

func (s Session) IsBranch() bool {
	return s.ParentSessionID != ""
}

// TimelineBranch pins the exact event in the parent session where a timeline diverges.
type TimelineBranch struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	ParentSessionID    string    `json:"parent_session_id"`
	BranchPointEventID string    `json:"branch_point_event_id"`
	CreatedAt          time.Time `json:"created_at"`
	Description        string    `json:"description,omitempty"`
}
