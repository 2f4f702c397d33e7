package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sableworks/exportstream/api/models"
	"github.com/sableworks/exportstream/strategy"
	"github.com/sableworks/exportstream/tool"
	"github.com/sableworks/exportstream/types"
)

var (
	ErrPermissionDenied = errors.New("export kind not permitted for user")
	ErrRowLimitExceeded = errors.New("matching rows exceed the export ceiling")
	ErrNoRowsMatched    = errors.New("no rows matched the given filters")
	ErrSessionNotFound  = errors.New("export session not found or expired")
	ErrCountFailed      = errors.New("failed to count matching rows")
	ErrKindMismatch     = errors.New("request export kind does not match the session")
)

// cancelCheckRows bounds cancellation latency inside a chunk: the session
// status is re-read after at most this many formatted rows.
const cancelCheckRows = 50

// Broadcaster receives completion notices for fan-out to sibling contexts.
type Broadcaster interface {
	BroadcastCompletion(notice *types.CompletionNotice)
}

// Options tunes a Producer. Zero values fall back to defaults.
type Options struct {
	DefaultChunkSize     int
	MaxTotalRows         int
	ProgressEventsPerSec float64 // 0 disables standalone progress frames
	StallTimeout         time.Duration
}

// Producer drives one export at a time per exportId: it owns the session
// record from acceptance until a terminal frame, iterates the strategy cursor
// in chunks, and is the only writer of that session's progress.
type Producer struct {
	registry *strategy.Registry
	store    *models.SessionStore
	hub      Broadcaster
	opts     Options
}

func NewProducer(registry *strategy.Registry, store *models.SessionStore, hub Broadcaster, opts Options) *Producer {
	if opts.DefaultChunkSize <= 0 {
		opts.DefaultChunkSize = 100
	}
	if opts.MaxTotalRows <= 0 {
		opts.MaxTotalRows = 2_000_000
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 15 * time.Minute
	}
	return &Producer{
		registry: registry,
		store:    store,
		hub:      hub,
		opts:     opts,
	}
}

func queryOf(req types.ExportRequest) strategy.Query {
	return strategy.Query{
		Filters:      req.Filters,
		SelectionIds: req.SelectionIds,
		SearchText:   req.SearchText,
	}
}

// Prepare validates a fresh export request, counts the matching rows and
// persists a new session in status starting. The count runs once, here; a
// later resume trusts the stored total instead of recounting, so a dataset
// that mutates mid-export cannot corrupt the skip-ahead offset.
func (p *Producer) Prepare(userId string, req types.ExportRequest) (types.ExportSession, error) {
	strat, err := p.registry.Lookup(req.ExportKind)
	if err != nil {
		return types.ExportSession{}, err
	}
	if !strat.IsPermitted(userId) {
		return types.ExportSession{}, ErrPermissionDenied
	}

	total, err := strat.Count(queryOf(req))
	if err != nil {
		return types.ExportSession{}, fmt.Errorf("%w: %v", ErrCountFailed, err)
	}
	if total == 0 {
		return types.ExportSession{}, ErrNoRowsMatched
	}
	if total > p.opts.MaxTotalRows {
		return types.ExportSession{}, fmt.Errorf("%w: %d rows, ceiling is %d", ErrRowLimitExceeded, total, p.opts.MaxTotalRows)
	}

	now := time.Now()
	session := types.ExportSession{
		UserId:     userId,
		ExportId:   tool.GenerateRandomUUID(),
		ExportKind: req.ExportKind,
		Status:     types.StatusStarting,
		TotalRows:  total,
		CreatedAt:  now,
		ExpiresAt:  now.Add(p.store.TTL()),
	}
	p.store.Put(session)
	tool.DefaultLogger.Infof("[Export] Prepared session %s (kind=%s, total=%d) for user %s",
		session.ExportId, req.ExportKind, total, userId)
	return session, nil
}

// Stream runs the chunk loop for one transport connection, writing event
// frames to w until a terminal frame or until the transport dies. A transport
// death keeps the session alive for a later resume; only terminal frames end
// the session's lifecycle.
func (p *Producer) Stream(ctx context.Context, w io.Writer, userId, exportId string, req types.ExportRequest) error {
	fw := NewFrameWriter(w)

	session, ok := p.store.Get(userId, exportId)
	if !ok {
		_ = fw.Write(&types.EventFrame{Status: types.EventError, ExportId: exportId, Message: ErrSessionNotFound.Error()})
		return ErrSessionNotFound
	}

	// The session's kind is authoritative. A request naming a different kind
	// would stream another dataset into this session's offset, so it is
	// rejected without touching the session state.
	if req.ExportKind != "" && req.ExportKind != session.ExportKind {
		_ = fw.Write(&types.EventFrame{Status: types.EventError, ExportId: exportId, Message: ErrKindMismatch.Error()})
		return ErrKindMismatch
	}

	strat, err := p.registry.Lookup(session.ExportKind)
	if err != nil {
		return p.fault(fw, userId, exportId, err)
	}
	// Permission is re-checked per connection: a grant revoked after Prepare
	// must not be honored by a resume. The session stays resumable in case
	// the grant comes back within the TTL.
	if !strat.IsPermitted(userId) {
		_ = fw.Write(&types.EventFrame{Status: types.EventError, ExportId: exportId, Message: ErrPermissionDenied.Error()})
		return ErrPermissionDenied
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = p.opts.DefaultChunkSize
	}

	// Resume offset: the larger of the stored progress and what the client
	// reports, so neither side ever re-streams rows the other already has.
	offset := session.ProcessedRows
	if req.Resume && req.ResumeFromRow > offset {
		offset = req.ResumeFromRow
	}
	total := session.TotalRows

	if total <= 0 {
		_ = fw.Write(&types.EventFrame{Status: types.EventError, ExportId: exportId, Message: ErrNoRowsMatched.Error()})
		p.store.SetStatus(userId, exportId, types.StatusError, ErrNoRowsMatched.Error())
		return nil
	}

	if err := fw.Write(&types.EventFrame{
		Status:    types.EventConnected,
		ExportId:  exportId,
		Total:     total,
		ChunkSize: chunkSize,
		Resume:    req.Resume,
		Processed: offset,
	}); err != nil {
		return p.transportLost(userId, exportId, err)
	}

	// The retained server-side copy survives reconnects: a fresh stream
	// starts one, and a resume continues it as long as the offset picks up
	// exactly where the stored copy ends. A client skipping further ahead
	// leaves a gap the copy can never fill, so it is dropped; that client
	// holds the skipped rows in its own buffer.
	retainBody := false
	if !session.HeaderEmitted && offset == 0 {
		retainBody = true
	} else if offset == session.ProcessedRows {
		_, retainBody = p.store.GetFileBody(userId, exportId)
	}
	if !retainBody {
		p.store.DeleteFileBody(userId, exportId)
	}

	if !session.HeaderEmitted {
		header := strat.HeaderLine()
		if err := fw.Write(&types.EventFrame{Status: types.EventHeader, ExportId: exportId, Content: header, Processed: offset}); err != nil {
			return p.transportLost(userId, exportId, err)
		}
		if retainBody {
			p.store.AppendBody(userId, exportId, []byte(header+"\n"), offset, true)
		} else {
			p.store.UpdateProgress(userId, exportId, offset, true)
		}
	} else {
		p.store.UpdateProgress(userId, exportId, offset, false)
	}

	cursor, err := strat.OpenCursor(queryOf(req), offset)
	if err != nil {
		return p.fault(fw, userId, exportId, fmt.Errorf("failed to open cursor at offset %d: %v", offset, err))
	}
	defer func() {
		if closeErr := cursor.Close(); closeErr != nil {
			tool.DefaultLogger.Warnf("[Export] Failed to close cursor for %s: %v", exportId, closeErr)
		}
	}()

	var limiter *rate.Limiter
	if p.opts.ProgressEventsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.opts.ProgressEventsPerSec), 1)
	}

	processed := offset
	chunkIdx := offset / chunkSize
	lines := make([]string, 0, chunkSize)
	rowsSinceCheck := 0
	lastAdvance := time.Now()

	emitChunk := func() error {
		chunkIdx++
		content := strings.Join(lines, "\n") + "\n"
		// Persist before emitting: if the frame is lost in flight, the rows
		// are already in the retained copy and the resume offset skips them,
		// so the client recovers them via download instead of a gap.
		if retainBody {
			p.store.AppendBody(userId, exportId, []byte(content), processed, false)
		} else {
			p.store.UpdateProgress(userId, exportId, processed, false)
		}
		frame := &types.EventFrame{
			Status:     types.EventData,
			ExportId:   exportId,
			Content:    content,
			Processed:  processed,
			Total:      total,
			Percentage: types.Percent(processed, total),
			Chunk:      chunkIdx,
		}
		if err := fw.Write(frame); err != nil {
			return err
		}
		lines = lines[:0]
		lastAdvance = time.Now()

		if limiter != nil && limiter.Allow() {
			// Best-effort UI refresh; losing one is harmless.
			_ = fw.Write(&types.EventFrame{
				Status:     types.EventProgress,
				ExportId:   exportId,
				Processed:  processed,
				Total:      total,
				Percentage: types.Percent(processed, total),
			})
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return p.transportLost(userId, exportId, ctx.Err())
		default:
		}

		if p.isCancelled(userId, exportId) {
			return p.emitCancelled(fw, userId, exportId, processed)
		}
		if time.Since(lastAdvance) > p.opts.StallTimeout {
			return p.fault(fw, userId, exportId, fmt.Errorf("export stalled: no progress for %s", p.opts.StallTimeout))
		}

		row, ok, err := cursor.Next()
		if err != nil {
			return p.fault(fw, userId, exportId, fmt.Errorf("cursor failed at row %d: %v", processed, err))
		}
		if !ok {
			break
		}
		processed++
		lines = append(lines, strat.FormatRow(row))

		rowsSinceCheck++
		if rowsSinceCheck >= cancelCheckRows {
			rowsSinceCheck = 0
			if p.isCancelled(userId, exportId) {
				return p.emitCancelled(fw, userId, exportId, processed)
			}
		}

		if len(lines) >= chunkSize {
			if err := emitChunk(); err != nil {
				return p.transportLost(userId, exportId, err)
			}
		}
	}

	if len(lines) > 0 {
		if err := emitChunk(); err != nil {
			return p.transportLost(userId, exportId, err)
		}
	}

	fileName := fmt.Sprintf("%s_%s.csv", strat.FilenamePrefix(), time.Now().Format("20060102_150405"))
	finished, ok := p.store.SetComplete(userId, exportId, fileName)
	if !ok {
		if finished.Status == types.StatusCancelled {
			// Cancelled in the window between the last check and completion.
			return p.emitCancelled(fw, userId, exportId, processed)
		}
		return p.fault(fw, userId, exportId, fmt.Errorf("session %s ended in status %s before completion", exportId, finished.Status))
	}

	downloadRef := ""
	if retainBody {
		downloadRef = "/api/export/v1/download?exportId=" + exportId
	}

	if err := fw.Write(&types.EventFrame{
		Status:            types.EventComplete,
		ExportId:          exportId,
		Message:           "export complete",
		Processed:         processed,
		Total:             total,
		FileName:          fileName,
		DownloadReference: downloadRef,
	}); err != nil {
		return p.transportLost(userId, exportId, err)
	}

	if p.hub != nil {
		p.hub.BroadcastCompletion(&types.CompletionNotice{
			ExportId:          exportId,
			FileName:          fileName,
			DownloadReference: downloadRef,
		})
	}
	tool.DefaultLogger.Infof("[Export] Completed session %s: %d rows -> %s", exportId, processed, fileName)
	return nil
}

// Cancel flips the session to cancelled. The running producer observes the
// flip at its next check; worst-case latency is one check interval.
func (p *Producer) Cancel(userId, exportId string) error {
	if _, ok := p.store.Get(userId, exportId); !ok {
		return ErrSessionNotFound
	}
	p.store.SetStatus(userId, exportId, types.StatusCancelled, "cancelled by user")
	tool.DefaultLogger.Infof("[Export] Cancellation requested for session %s", exportId)
	return nil
}

func (p *Producer) isCancelled(userId, exportId string) bool {
	sess, ok := p.store.Get(userId, exportId)
	return ok && sess.Status == types.StatusCancelled
}

func (p *Producer) emitCancelled(fw *FrameWriter, userId, exportId string, processed int) error {
	p.store.UpdateProgress(userId, exportId, processed, false)
	p.store.SetStatus(userId, exportId, types.StatusCancelled, "cancelled by user")
	_ = fw.Write(&types.EventFrame{
		Status:    types.EventCancelled,
		ExportId:  exportId,
		Message:   "export cancelled",
		Processed: processed,
	})
	tool.DefaultLogger.Infof("[Export] Cancelled session %s at %d rows", exportId, processed)
	return nil
}

// fault marks the session failed and emits a terminal error frame so the
// client is never left waiting. The session is not retried automatically.
func (p *Producer) fault(fw *FrameWriter, userId, exportId string, err error) error {
	tool.DefaultLogger.Errorf("[Export] Session %s failed: %v", exportId, err)
	p.store.SetStatus(userId, exportId, types.StatusError, err.Error())
	_ = fw.Write(&types.EventFrame{Status: types.EventError, ExportId: exportId, Message: err.Error()})
	return err
}

// transportLost handles a dead client connection: the session is kept in its
// current status so the client can reconnect with resume=true.
func (p *Producer) transportLost(userId, exportId string, err error) error {
	tool.DefaultLogger.Warnf("[Export] Transport lost for session %s (session retained): %v", exportId, err)
	return nil
}
