package types

// Event frame status discriminators carried over the stream transport.
const (
	EventConnected = "connected"
	EventHeader    = "header"
	EventProgress  = "progress"
	EventData      = "data"
	EventComplete  = "complete"
	EventCancelled = "cancelled"
	EventError     = "error"
)

// EventFrame is one JSON object on the stream, terminated by a blank line.
// Status selects which of the optional fields are meaningful; see the
// transport protocol notes in export/frames.go.
type EventFrame struct {
	Status            string  `json:"status"`
	ExportId          string  `json:"exportId"`
	Total             int     `json:"total,omitempty"`
	ChunkSize         int     `json:"chunkSize,omitempty"`
	Resume            bool    `json:"resume,omitempty"`
	Processed         int     `json:"processed"`
	Percentage        float64 `json:"percentage,omitempty"`
	Chunk             int     `json:"chunk,omitempty"`
	Content           string  `json:"content,omitempty"`
	Message           string  `json:"message,omitempty"`
	FileName          string  `json:"filename,omitempty"`
	DownloadReference string  `json:"downloadReference,omitempty"`
}

// IsTerminal reports whether the frame ends the stream.
func (f *EventFrame) IsTerminal() bool {
	switch f.Status {
	case EventComplete, EventCancelled, EventError:
		return true
	}
	return false
}
