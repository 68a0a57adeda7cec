package realtime

import "encoding/json"

// Event statuses published over a resource's progress group
const (
	StatusStarted  = "started"
	StatusMessage  = "message"
	StatusFinished = "finished"
	StatusError    = "error"
)

// Event is one progress update fanned out to a resource's subscribers.
// Seq is assigned by the replay log so reconnecting clients can resume
// from the last sequence they saw.
type Event struct {
	Type     string          `json:"type"`
	RID      string          `json:"rid"`
	Status   string          `json:"status,omitempty"`
	Seq      int64           `json:"seq,omitempty"`
	TS       int64           `json:"ts,omitempty"`
	Msg      string          `json:"msg,omitempty"`
	Progress *float64        `json:"progress,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Meta     json.RawMessage `json:"meta,omitempty"`
}
