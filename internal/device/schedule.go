package device

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSchedule is returned when a schedule time is not 24-hour HH:MM.
var ErrInvalidSchedule = errors.New("invalid schedule time")

// Schedule is the daily light window, both ends as HH:MM local time.
type Schedule struct {
	On  string `json:"on" yaml:"on"`
	Off string `json:"off" yaml:"off"`
}

// ParseClock converts a 24-hour "HH:MM" string to minutes after midnight.
func ParseClock(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSchedule, s)
	}
	digits := []byte{s[0], s[1], s[3], s[4]}
	for _, d := range digits {
		if d < '0' || d > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSchedule, s)
		}
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSchedule, s)
	}
	return h*60 + m, nil
}

// Validate checks both ends of the window.
func (s Schedule) Validate() error {
	if _, err := ParseClock(s.On); err != nil {
		return fmt.Errorf("on: %w", err)
	}
	if _, err := ParseClock(s.Off); err != nil {
		return fmt.Errorf("off: %w", err)
	}
	return nil
}

// Contains reports whether t's time of day falls in [On, Off). A window whose
// Off is earlier than On wraps across midnight. On == Off is an empty window.
func (s Schedule) Contains(t time.Time) (bool, error) {
	on, err := ParseClock(s.On)
	if err != nil {
		return false, err
	}
	off, err := ParseClock(s.Off)
	if err != nil {
		return false, err
	}

	now := t.Hour()*60 + t.Minute()
	switch {
	case on == off:
		return false, nil
	case on < off:
		return now >= on && now < off, nil
	default:
		return now >= on || now < off, nil
	}
}

func (s Schedule) String() string {
	return s.On + "-" + s.Off
}
