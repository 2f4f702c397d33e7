package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/sableworks/exportstream/tool"
	"github.com/sableworks/exportstream/types"
)

// DefaultMaxBufferBytes caps the in-memory file body. Exports past this point
// are aborted with advice to narrow the filter instead of crashing the client.
const DefaultMaxBufferBytes = 1 << 30

var (
	ErrStreamActive    = errors.New("a stream is already open for this export")
	ErrBufferExceeded  = errors.New("export too large to buffer, reduce the result set")
	ErrResumeUncertain = errors.New("reconnect failed, export may still be processing on the server")
)

// Engine owns the client side of the export lifecycle: it starts exports,
// reads push frames, reconciles progress against the local record, buffers
// the file body in memory and delivers the finished file. Progress never
// moves backward even when a reconnect replays a stale snapshot.
type Engine struct {
	baseURL     string
	userId      string
	records     *RecordStore
	downloadDir string
	maxBuffer   int

	// OnProgress, when set, observes every record update. Used by callers
	// that surface progress to a UI.
	OnProgress func(types.ClientExportRecord)

	// OnTerminal, when set, fires after an export leaves the running state
	// for any reason. The queue coordinator hooks this to promote the next
	// pending entry.
	OnTerminal func(exportKind string)

	mu     sync.Mutex
	active map[string]struct{}
}

func NewEngine(baseURL, userId string, records *RecordStore, downloadDir string) *Engine {
	return &Engine{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		userId:      userId,
		records:     records,
		downloadDir: downloadDir,
		maxBuffer:   DefaultMaxBufferBytes,
		active:      make(map[string]struct{}),
	}
}

// Start registers the export on the server and persists the local record.
// It does not open the stream; call Run with the returned exportId.
func (e *Engine) Start(ctx context.Context, req types.ExportRequest, startPage string) (string, error) {
	payload, err := sonic.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/export/v1/start", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-User-Id", e.userId)

	resp, err := tool.ControlHttpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("start rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var envelope struct {
		Data types.StartExportResponse `json:"data"`
	}
	if err := sonic.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("malformed start response: %v", err)
	}
	if envelope.Data.ExportId == "" {
		return "", errors.New("start response missing exportId")
	}

	rec := types.ClientExportRecord{
		ExportId:   envelope.Data.ExportId,
		ExportKind: req.ExportKind,
		Status:     types.StatusStarting,
		TotalRows:  envelope.Data.TotalRows,
		StartPage:  startPage,
		StartTime:  time.Now(),
	}
	if err := e.records.Save(rec); err != nil {
		tool.DefaultLogger.Warnf("[Engine] Could not persist record %s: %v", rec.ExportId, err)
	}
	return rec.ExportId, nil
}

// Run opens the push stream for exportId and drives it to a terminal state.
// On transport loss it makes exactly one reconnect attempt with a resume
// offset; a second loss returns ErrResumeUncertain and keeps the record so
// the user can retry manually.
func (e *Engine) Run(ctx context.Context, exportId string, req types.ExportRequest) error {
	e.mu.Lock()
	if _, open := e.active[exportId]; open {
		e.mu.Unlock()
		return ErrStreamActive
	}
	e.active[exportId] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, exportId)
		e.mu.Unlock()
		if e.OnTerminal != nil {
			e.OnTerminal(req.ExportKind)
		}
	}()

	rec, ok := e.records.Load(exportId)
	if !ok {
		rec = types.ClientExportRecord{
			ExportId:   exportId,
			ExportKind: req.ExportKind,
			Status:     types.StatusStarting,
			StartTime:  time.Now(),
		}
	}

	// The buffer only represents the whole file when this run covers it from
	// row zero without a resume gap in front.
	body := &bodyBuffer{complete: !req.Resume && rec.ProcessedRows == 0}

	attempt := req
	reconnected := false
	for {
		err := e.consumeStream(ctx, exportId, attempt, &rec, body)
		if err == nil {
			return nil
		}
		if !isTransportError(err) {
			return err
		}
		if reconnected {
			tool.DefaultLogger.Warnf("[Engine] Reconnect failed for %s: %v", exportId, err)
			rec.Status = types.StatusProcessing
			_ = e.records.Save(rec)
			return ErrResumeUncertain
		}
		reconnected = true
		tool.DefaultLogger.Warnf("[Engine] Transport lost for %s at row %d, reconnecting: %v", exportId, rec.ProcessedRows, err)

		session, found, statusErr := e.fetchStatus(ctx, exportId)
		if statusErr != nil {
			rec.Status = types.StatusProcessing
			_ = e.records.Save(rec)
			return ErrResumeUncertain
		}
		if !found {
			tool.DefaultLogger.Warnf("[Engine] Session %s gone after transport loss, dropping record", exportId)
			e.records.Delete(exportId)
			return fmt.Errorf("export %s no longer exists on the server", exportId)
		}
		switch session.Status {
		case types.StatusComplete:
			return e.deliverFromServer(ctx, exportId, &rec, session.FileName)
		case types.StatusCancelled:
			e.records.Delete(exportId)
			return nil
		case types.StatusError:
			e.records.Delete(exportId)
			return fmt.Errorf("export %s failed on the server: %s", exportId, session.Message)
		}

		offset := max(rec.ProcessedRows, session.ProcessedRows)
		attempt.Resume = true
		attempt.ResumeFromRow = offset
		// The buffered prefix stays usable when the resume offset is exactly
		// the last row it covers: the resumed stream appends the tail and the
		// buffer is still the whole file. Resuming past it leaves a gap only
		// the server's retained copy can fill.
		if offset != body.rows {
			body.buf.Reset()
			body.rows = 0
			body.complete = false
		}
	}
}

// bodyBuffer accumulates the file body of one export. rows counts how many
// data rows the buffer covers; complete means it covers them from row zero
// including the header, so it can be delivered without the server copy.
type bodyBuffer struct {
	buf      bytes.Buffer
	rows     int
	complete bool
}

// consumeStream reads frames off one connection until a terminal frame.
func (e *Engine) consumeStream(ctx context.Context, exportId string, req types.ExportRequest, rec *types.ClientExportRecord, body *bodyBuffer) error {
	conn, err := OpenStream(ctx, e.baseURL, e.userId, exportId, req)
	if err != nil {
		return transportError{err}
	}
	defer conn.Close()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return transportError{err}
		}
		switch frame.Status {
		case types.EventConnected:
			if frame.Total > rec.TotalRows {
				rec.TotalRows = frame.Total
			}
			e.applyProgress(rec, frame.Processed)
			rec.Status = types.StatusProcessing
			e.saveRecord(*rec)

		case types.EventHeader:
			// The server emits the header at most once per export, so an
			// unconditional append cannot duplicate it.
			body.buf.WriteString(frame.Content)
			body.buf.WriteByte('\n')

		case types.EventData:
			if body.buf.Len()+len(frame.Content) > e.maxBuffer {
				e.abortOversized(ctx, exportId)
				e.records.Delete(exportId)
				return ErrBufferExceeded
			}
			body.buf.WriteString(frame.Content)
			body.rows = frame.Processed
			e.applyProgress(rec, frame.Processed)
			rec.Status = types.StatusProcessing
			e.saveRecord(*rec)

		case types.EventProgress:
			e.applyProgress(rec, frame.Processed)
			e.saveRecord(*rec)

		case types.EventComplete:
			e.applyProgress(rec, frame.Processed)
			rec.Status = types.StatusComplete
			rec.FileName = frame.FileName
			if body.complete {
				if err := e.deliverFile(frame.FileName, body.buf.Bytes()); err != nil {
					e.saveRecord(*rec)
					return err
				}
				rec.Delivered = true
				e.saveRecord(*rec)
				e.cleanupServer(ctx, exportId)
				e.records.Delete(exportId)
				return nil
			}
			// The buffer has a gap in front; fetch the retained server copy
			// for the full body.
			return e.deliverFromServer(ctx, exportId, rec, frame.FileName)

		case types.EventCancelled:
			tool.DefaultLogger.Infof("[Engine] Export %s cancelled at row %d", exportId, frame.Processed)
			e.records.Delete(exportId)
			return nil

		case types.EventError:
			e.records.Delete(exportId)
			return fmt.Errorf("export %s failed: %s", exportId, frame.Message)

		default:
			tool.DefaultLogger.Warnf("[Engine] Ignoring unknown frame status %q for %s", frame.Status, exportId)
		}
	}
}

// applyProgress merges a server-reported row count into the record, keeping
// the larger of the two so progress is monotonic across reconnects.
func (e *Engine) applyProgress(rec *types.ClientExportRecord, processed int) {
	if processed > rec.ProcessedRows {
		rec.ProcessedRows = processed
	}
	rec.Percentage = types.Percent(rec.ProcessedRows, rec.TotalRows)
}

func (e *Engine) saveRecord(rec types.ClientExportRecord) {
	if err := e.records.Save(rec); err != nil {
		tool.DefaultLogger.Warnf("[Engine] Could not persist record %s: %v", rec.ExportId, err)
	}
	if e.OnProgress != nil {
		e.OnProgress(rec)
	}
}

// ETA estimates remaining time from the record's own start time and rate.
func ETA(rec types.ClientExportRecord) (time.Duration, bool) {
	if rec.ProcessedRows <= 0 || rec.TotalRows <= rec.ProcessedRows {
		return 0, false
	}
	elapsed := time.Since(rec.StartTime)
	if elapsed <= 0 {
		return 0, false
	}
	perRow := elapsed / time.Duration(rec.ProcessedRows)
	return perRow * time.Duration(rec.TotalRows-rec.ProcessedRows), true
}

// ResumeAll reconciles every persisted record against the server after a
// restart. Completed exports are delivered from the retained server copy,
// live ones get a fresh resumed stream, dead ones are discarded.
func (e *Engine) ResumeAll(ctx context.Context) {
	for _, rec := range e.records.List() {
		if rec.Status.IsTerminal() && rec.Status != types.StatusComplete {
			e.records.Delete(rec.ExportId)
			continue
		}
		session, found, err := e.fetchStatus(ctx, rec.ExportId)
		if err != nil {
			tool.DefaultLogger.Warnf("[Engine] Could not reconcile %s: %v", rec.ExportId, err)
			continue
		}
		if !found {
			e.records.Delete(rec.ExportId)
			continue
		}
		switch session.Status {
		case types.StatusComplete:
			recCopy := rec
			if err := e.deliverFromServer(ctx, rec.ExportId, &recCopy, session.FileName); err != nil {
				tool.DefaultLogger.Warnf("[Engine] Could not deliver %s: %v", rec.ExportId, err)
			}
		case types.StatusStarting, types.StatusProcessing:
			req := types.ExportRequest{
				ExportKind:    rec.ExportKind,
				Resume:        true,
				ResumeFromRow: max(rec.ProcessedRows, session.ProcessedRows),
			}
			go func(id string, r types.ExportRequest) {
				if err := e.Run(ctx, id, r); err != nil {
					tool.DefaultLogger.Warnf("[Engine] Resume of %s failed: %v", id, err)
				}
			}(rec.ExportId, req)
		default:
			e.records.Delete(rec.ExportId)
		}
	}
}

// DeliverFromNotice reacts to a cross-context completion broadcast. Only a
// context that holds an undelivered record for the export acts on it, which
// keeps delivery at exactly once across sibling contexts.
func (e *Engine) DeliverFromNotice(ctx context.Context, notice types.CompletionNotice) {
	rec, ok := e.records.Load(notice.ExportId)
	if !ok || rec.Delivered {
		return
	}
	e.mu.Lock()
	_, streaming := e.active[notice.ExportId]
	e.mu.Unlock()
	if streaming {
		// The owning stream will deliver on its own complete frame.
		return
	}
	if err := e.deliverFromServer(ctx, notice.ExportId, &rec, notice.FileName); err != nil {
		tool.DefaultLogger.Warnf("[Engine] Broadcast delivery of %s failed: %v", notice.ExportId, err)
	}
}

// deliverFromServer fetches the retained body over the download endpoint and
// writes the file, then clears both server and local state.
func (e *Engine) deliverFromServer(ctx context.Context, exportId string, rec *types.ClientExportRecord, fileName string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/export/v1/download?exportId="+url.QueryEscape(exportId), nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("X-User-Id", e.userId)
	resp, err := tool.ControlHttpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s rejected (%d)", exportId, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(e.maxBuffer)+1))
	if err != nil {
		return err
	}
	if len(body) > e.maxBuffer {
		return ErrBufferExceeded
	}
	if fileName == "" {
		fileName = rec.FileName
	}
	if err := e.deliverFile(fileName, body); err != nil {
		return err
	}
	rec.Status = types.StatusComplete
	rec.FileName = fileName
	rec.Delivered = true
	e.saveRecord(*rec)
	e.cleanupServer(ctx, exportId)
	e.records.Delete(exportId)
	return nil
}

// deliverFile writes the body into the download directory, numbering the
// name when a file with the same name already exists.
func (e *Engine) deliverFile(fileName string, body []byte) error {
	if fileName == "" {
		fileName = "export.csv"
	}
	if err := os.MkdirAll(e.downloadDir, 0o755); err != nil {
		return err
	}
	target := filepath.Join(e.downloadDir, fileName)
	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(e.downloadDir, fmt.Sprintf("%s(%d)%s", base, i, ext))
	}
	if err := os.WriteFile(target, body, 0o644); err != nil {
		return err
	}
	tool.DefaultLogger.Infof("[Engine] Delivered %s (%d bytes)", target, len(body))
	return nil
}

// Cancel asks the server to stop the export.
func (e *Engine) Cancel(ctx context.Context, exportId string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/export/v1/cancel?exportId="+url.QueryEscape(exportId), nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("X-User-Id", e.userId)
	resp, err := tool.ControlHttpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel of %s rejected (%d)", exportId, resp.StatusCode)
	}
	return nil
}

func (e *Engine) abortOversized(ctx context.Context, exportId string) {
	if err := e.Cancel(ctx, exportId); err != nil {
		tool.DefaultLogger.Warnf("[Engine] Could not cancel oversized export %s: %v", exportId, err)
	}
}

func (e *Engine) cleanupServer(ctx context.Context, exportId string) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.baseURL+"/api/export/v1/cleanup?exportId="+url.QueryEscape(exportId), nil)
	if err != nil {
		return
	}
	httpReq.Header.Set("X-User-Id", e.userId)
	resp, err := tool.ControlHttpClient.Do(httpReq)
	if err != nil {
		tool.DefaultLogger.Warnf("[Engine] Cleanup of %s failed: %v", exportId, err)
		return
	}
	_ = resp.Body.Close()
}

// fetchStatus queries the session snapshot. found is false on a 404.
func (e *Engine) fetchStatus(ctx context.Context, exportId string) (types.ExportSession, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/export/v1/status?exportId="+url.QueryEscape(exportId), nil)
	if err != nil {
		return types.ExportSession{}, false, err
	}
	httpReq.Header.Set("X-User-Id", e.userId)
	resp, err := tool.ControlHttpClient.Do(httpReq)
	if err != nil {
		return types.ExportSession{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return types.ExportSession{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return types.ExportSession{}, false, fmt.Errorf("status query rejected (%d)", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.ExportSession{}, false, err
	}
	var envelope struct {
		Data types.ExportSession `json:"data"`
	}
	if err := sonic.Unmarshal(body, &envelope); err != nil {
		return types.ExportSession{}, false, fmt.Errorf("malformed status response: %v", err)
	}
	return envelope.Data, true, nil
}

// transportError wraps connection-level failures so the reconnect logic can
// tell them apart from protocol-level terminal outcomes.
type transportError struct {
	err error
}

func (t transportError) Error() string { return t.err.Error() }
func (t transportError) Unwrap() error { return t.err }

func isTransportError(err error) bool {
	var te transportError
	return errors.As(err, &te)
}
