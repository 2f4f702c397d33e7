package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sableworks/exportstream/api/models"
	"github.com/sableworks/exportstream/strategy"
	"github.com/sableworks/exportstream/tool"
)

type StatusController struct {
	store    *models.SessionStore
	registry *strategy.Registry
}

func NewStatusController(store *models.SessionStore, registry *strategy.Registry) *StatusController {
	return &StatusController{
		store:    store,
		registry: registry,
	}
}

// HandleStatus returns the current session snapshot. Read-only: status polls
// never mutate producer-owned state.
// GET /api/export/v1/status?exportId=...
func (ctrl *StatusController) HandleStatus(c *gin.Context) {
	exportId := c.Query("exportId")
	if exportId == "" {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Missing required parameter: exportId"))
		return
	}
	session, ok := ctrl.store.Get(UserID(c), exportId)
	if !ok {
		c.JSON(http.StatusNotFound, tool.FastReturnError("Session not found or expired"))
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(session))
}

// HandleKinds lists the registered export kinds.
// GET /api/export/v1/kinds
func (ctrl *StatusController) HandleKinds(c *gin.Context) {
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(ctrl.registry.Kinds()))
}
