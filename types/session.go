package types

import "time"

// ExportStatus is the lifecycle state of one export session.
type ExportStatus string

const (
	StatusStarting   ExportStatus = "starting"
	StatusProcessing ExportStatus = "processing"
	StatusComplete   ExportStatus = "complete"
	StatusCancelled  ExportStatus = "cancelled"
	StatusError      ExportStatus = "error"
)

// IsTerminal reports whether the status ends the session (no further frames follow).
func (s ExportStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusError
}

// ExportSession is the server-side record of one export attempt, keyed by
// (userId, exportId). It outlives any single transport connection so a client
// can reconnect and resume. ProcessedRows never decreases; TotalRows is fixed
// once computed.
type ExportSession struct {
	UserId        string       `json:"userId"`
	ExportId      string       `json:"exportId"`
	ExportKind    string       `json:"exportKind"`
	Status        ExportStatus `json:"status"`
	TotalRows     int          `json:"totalRows"`
	ProcessedRows int          `json:"processedRows"`
	Percentage    float64      `json:"percentage"`
	HeaderEmitted bool         `json:"headerEmitted"`
	FileName      string       `json:"fileName,omitempty"`
	Message       string       `json:"message,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	ExpiresAt     time.Time    `json:"expiresAt"`
}

// Percent derives the completion percentage from row counts, clamped to [0,100].
func Percent(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(processed) / float64(total) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
