package types

import "time"

// QueueEntry is one pending export waiting for its turn. At most one queued
// entry exists per export kind; a newer request for the same kind replaces
// the queued one.
type QueueEntry struct {
	ExportId   string        `json:"exportId"`
	ExportKind string        `json:"exportKind"`
	Request    ExportRequest `json:"request"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

// ClientExportRecord is the client-side durable mirror of a session. It holds
// metadata only; the accumulated file body stays in the memory of the
// connection that streams it, so multi-hundred-megabyte exports never hit
// the local store.
type ClientExportRecord struct {
	ExportId      string       `json:"exportId"`
	ExportKind    string       `json:"exportKind"`
	Status        ExportStatus `json:"status"`
	TotalRows     int          `json:"totalRows"`
	ProcessedRows int          `json:"processedRows"`
	Percentage    float64      `json:"percentage"`
	FileName      string       `json:"fileName,omitempty"`
	StartPage     string       `json:"startPage,omitempty"`
	StartTime     time.Time    `json:"startTime"`
	Delivered     bool         `json:"delivered,omitempty"`
}

// CompletionNotice is broadcast to sibling contexts when an export finishes,
// so a non-owning context can deliver the file exactly once.
type CompletionNotice struct {
	ExportId          string `json:"exportId"`
	FileName          string `json:"fileName"`
	DownloadReference string `json:"downloadReference,omitempty"`
}
