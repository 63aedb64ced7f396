package domain

type WatchEventType string

const (
	WatchEventStatus   WatchEventType = "status"
	WatchEventComplete WatchEventType = "complete"
	WatchEventError    WatchEventType = "error"
	WatchEventTimeout  WatchEventType = "timeout"
)

// WatchEvent is one frame pushed to a status stream consumer.
type WatchEvent struct {
	Type WatchEventType `json:"type"`
	Data any            `json:"data"`
}

type StatusSnapshot struct {
	ID     string              `json:"id"`
	Status TranscriptionStatus `json:"status"`
	Error  string              `json:"error,omitempty"`
	Text   string              `json:"text,omitempty"`
}
