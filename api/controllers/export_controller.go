package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sableworks/exportstream/export"
	"github.com/sableworks/exportstream/strategy"
	"github.com/sableworks/exportstream/tool"
	"github.com/sableworks/exportstream/types"
)

type ExportController struct {
	producer *export.Producer
}

func NewExportController(producer *export.Producer) *ExportController {
	return &ExportController{
		producer: producer,
	}
}

// UserID resolves the acting user. Authentication itself is an upstream
// concern; an empty header maps to a shared anonymous identity.
func UserID(c *gin.Context) string {
	if id := c.GetHeader("X-User-Id"); id != "" {
		return id
	}
	return "anonymous"
}

// HandleStart validates and registers a new export session.
// POST /api/export/v1/start
func (ctrl *ExportController) HandleStart(c *gin.Context) {
	var request types.ExportRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Invalid request body: "+err.Error()))
		return
	}
	if request.ExportKind == "" {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Missing required parameter: exportKind"))
		return
	}

	userId := UserID(c)
	session, err := ctrl.producer.Prepare(userId, request)
	if err != nil {
		switch {
		case errors.Is(err, strategy.ErrUnknownKind):
			c.JSON(http.StatusBadRequest, tool.FastReturnErrorWithData("Unknown export kind", map[string]any{"exportKind": request.ExportKind}))
		case errors.Is(err, export.ErrPermissionDenied):
			c.JSON(http.StatusForbidden, tool.FastReturnError("Export not permitted"))
		case errors.Is(err, export.ErrNoRowsMatched):
			c.JSON(http.StatusBadRequest, tool.FastReturnError(err.Error()))
		case errors.Is(err, export.ErrRowLimitExceeded):
			c.JSON(http.StatusRequestEntityTooLarge, tool.FastReturnError(err.Error()))
		default:
			tool.DefaultLogger.Errorf("[Start] Failed to prepare export: %v", err)
			c.JSON(http.StatusInternalServerError, tool.FastReturnError("Failed to prepare export: "+err.Error()))
		}
		return
	}

	chunkSize := request.ChunkSize
	if chunkSize <= 0 {
		chunkSize = tool.GetCurrentConfig().DefaultChunkSize
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(types.StartExportResponse{
		ExportId:  session.ExportId,
		TotalRows: session.TotalRows,
		ChunkSize: chunkSize,
	}))
}

// HandleStream opens the long-lived push channel and drives the producer
// until a terminal frame or client disconnect. The response body is
// newline-delimited JSON frames, one blank line between frames.
// POST /api/export/v1/stream?exportId=...
func (ctrl *ExportController) HandleStream(c *gin.Context) {
	exportId := c.Query("exportId")
	if exportId == "" {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Missing required parameter: exportId"))
		return
	}

	var request types.ExportRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Invalid request body: "+err.Error()))
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	userId := UserID(c)
	if err := ctrl.producer.Stream(c.Request.Context(), c.Writer, userId, exportId, request); err != nil {
		// Terminal frame already sent; nothing more to write on this response.
		tool.DefaultLogger.Debugf("[Stream] Session %s ended with error: %v", exportId, err)
	}
}
