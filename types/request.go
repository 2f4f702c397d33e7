package types

// ExportRequest describes a start (or resume) request for one export. It is
// transient: everything the server needs to keep lives in ExportSession.
type ExportRequest struct {
	ExportKind    string            `json:"exportKind"`
	Filters       map[string]string `json:"filters,omitempty"`
	SelectionIds  []string          `json:"selectionIds,omitempty"`
	SearchText    string            `json:"searchText,omitempty"`
	ChunkSize     int               `json:"chunkSize,omitempty"`
	Resume        bool              `json:"resume,omitempty"`
	ResumeFromRow int               `json:"resumeFromRow,omitempty"`
}

// StartExportResponse is returned by the start endpoint.
type StartExportResponse struct {
	ExportId  string `json:"exportId"`
	TotalRows int    `json:"totalRows"`
	ChunkSize int    `json:"chunkSize"`
}
