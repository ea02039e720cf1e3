package session

import (
	"time"

	"github.com/davidahmann/timeloop/core/model"
)

type Summary struct {
	SessionID        string     `json:"session_id"`
	Name             string     `json:"name"`
	Duration         Duration   `json:"duration"`
	CommandsExecuted int        `json:"commands_executed"`
	FilesModified    int        `json:"files_modified"`
	LastCommand      string     `json:"last_command"`
	CreatedAt        time.Time  `json:"created_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	Events           int        `json:"events"`
}

// Duration marshals as a Go duration string.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Summary counts commands and file changes in sequence order. A session that has not
// ended is measured up to now.
func (m *Manager) Summary(id string) (Summary, error) {
	session, err := m.store.GetSession(id)
	if err != nil {
		return Summary{}, err
	}
	events, err := m.store.GetEventsForSession(id)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		SessionID: session.ID,
		Name:      session.Name,
		CreatedAt: session.CreatedAt,
		EndedAt:   session.EndedAt,
		Events:    len(events),
	}
	for _, event := range events {
		switch payload := event.Payload.(type) {
		case model.Command:
			summary.CommandsExecuted++
			summary.LastCommand = payload.Command
		case model.FileChange:
			summary.FilesModified++
		}
	}
	end := m.now()
	if session.EndedAt != nil {
		end = *session.EndedAt
	}
	summary.Duration = Duration(end.Sub(session.CreatedAt))
	return summary, nil
}
