package message

import (
	"fmt"

	"github.com/nappa85/Pokifications-sub000/internal/model"
)

type service struct{}

func (service) Position() (model.LatLon, bool) { return model.LatLon{}, false }
func (service) ArtifactKey() string            { return "" }
func (service) Action() *Action                { return nil }
func (service) Counted() bool                  { return false }
func (service) isMessage()                     {}

// Lag replaces the events a subscriber missed because its mailbox overflowed.
type Lag struct {
	service
	Missed uint64
}

func (*Lag) Kind() Kind { return KindLag }

func (m *Lag) Caption() string {
	if m.Missed == 1 {
		return "1 notification was skipped because too many arrived at once."
	}
	return fmt.Sprintf("%d notifications were skipped because too many arrived at once.", m.Missed)
}

// Version announces a new service release.
type Version struct {
	service
	Version string
	Notes   string
}

func (*Version) Kind() Kind { return KindVersion }

func (m *Version) Caption() string {
	if m.Notes == "" {
		return "Updated to version " + m.Version
	}
	return "Updated to version " + m.Version + "\n\n" + m.Notes
}

// Level grades a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a free-form service message, such as a reload outcome or a
// tracking update.
type Notice struct {
	service
	Level Level
	Text  string
}

// NewNotice returns a Notice.
func NewNotice(level Level, format string, args ...any) *Notice {
	return &Notice{Level: level, Text: fmt.Sprintf(format, args...)}
}

func (*Notice) Kind() Kind { return KindNotice }

func (m *Notice) Caption() string {
	switch m.Level {
	case LevelWarning:
		return "Warning: " + m.Text
	case LevelError:
		return "Error: " + m.Text
	}
	return m.Text
}
