package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sableworks/exportstream/api/models"
	"github.com/sableworks/exportstream/export"
	"github.com/sableworks/exportstream/tool"
)

type CancelController struct {
	producer *export.Producer
	store    *models.SessionStore
}

func NewCancelController(producer *export.Producer, store *models.SessionStore) *CancelController {
	return &CancelController{
		producer: producer,
		store:    store,
	}
}

// HandleCancel flips the session to cancelled. The running producer observes
// the flip at its next periodic check; the transport is not torn down here.
// POST /api/export/v1/cancel?exportId=...
func (ctrl *CancelController) HandleCancel(c *gin.Context) {
	exportId := c.Query("exportId")
	if exportId == "" {
		tool.DefaultLogger.Errorf("Missing required parameter: exportId")
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Missing parameters"))
		return
	}

	tool.DefaultLogger.Infof("[Cancel] Received cancel request: exportId=%s", exportId)
	if err := ctrl.producer.Cancel(UserID(c), exportId); err != nil {
		if errors.Is(err, export.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, tool.FastReturnError("Session not found or expired"))
			return
		}
		c.JSON(http.StatusInternalServerError, tool.FastReturnError("Internal server error"))
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithMessage("cancellation requested"))
}

// HandleCleanup removes the session record and any retained file body. Called
// by the client once the file has been durably delivered.
// DELETE /api/export/v1/cleanup?exportId=...
func (ctrl *CancelController) HandleCleanup(c *gin.Context) {
	exportId := c.Query("exportId")
	if exportId == "" {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Missing required parameter: exportId"))
		return
	}
	ctrl.store.Delete(UserID(c), exportId)
	tool.DefaultLogger.Infof("[Cleanup] Removed export session: %s", exportId)
	c.JSON(http.StatusOK, tool.FastReturnSuccess())
}
