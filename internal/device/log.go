package device

import (
	"fmt"
	"strings"
	"time"
)

// Log actions.
const (
	ActionUpdate  = "update"
	ActionAutoOff = "auto-off"
	ActionConfig  = "config"
)

// LogRecord is one accepted transition in the audit log.
type LogRecord struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Action    string    `json:"action"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Message   string    `json:"message"`
}

// NewLogRecord builds a record with the dashboard message "SOURCE: key -> value".
func NewLogRecord(at time.Time, source, action, key, value string) LogRecord {
	return LogRecord{
		Timestamp: at,
		Source:    source,
		Action:    action,
		Key:       key,
		Value:     value,
		Message:   fmt.Sprintf("%s: %s -> %s", strings.ToUpper(source), key, value),
	}
}
