package device

import "time"

// Command is an outbound instruction for one control key. Payload carries
// the physical level after polarity translation.
type Command struct {
	Key       Key       `json:"key"`
	Value     int       `json:"value"`
	Payload   string    `json:"payload"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}
