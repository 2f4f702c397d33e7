package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sableworks/exportstream/api/models"
	"github.com/sableworks/exportstream/tool"
	"github.com/sableworks/exportstream/types"
)

type DownloadController struct {
	store *models.SessionStore
}

func NewDownloadController(store *models.SessionStore) *DownloadController {
	return &DownloadController{
		store: store,
	}
}

// HandleDownload serves the retained body of a completed export, so a client
// that reconnects after completion can fetch the file without re-streaming.
// GET /api/export/v1/download?exportId=...
func (ctrl *DownloadController) HandleDownload(c *gin.Context) {
	exportId := c.Query("exportId")
	if exportId == "" {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Missing required parameter: exportId"))
		return
	}
	userId := UserID(c)
	session, ok := ctrl.store.Get(userId, exportId)
	if !ok {
		c.JSON(http.StatusNotFound, tool.FastReturnError("Session not found or expired"))
		return
	}
	if session.Status != types.StatusComplete {
		c.JSON(http.StatusConflict, tool.FastReturnErrorWithData("Export is not complete", map[string]any{"status": string(session.Status)}))
		return
	}
	body, ok := ctrl.store.GetFileBody(userId, exportId)
	if !ok {
		c.JSON(http.StatusGone, tool.FastReturnError("Export body no longer retained, start a new export"))
		return
	}
	c.Header("Content-Disposition", "attachment; filename=\""+session.FileName+"\"")
	c.Data(http.StatusOK, "text/csv", body)
}
