package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/wykra-io/wykra-api-sub001/internal/common"
	"github.com/wykra-io/wykra-api-sub001/internal/httpapi/middleware"
	"github.com/wykra-io/wykra-api-sub001/internal/task"
)

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

type createTaskReq struct {
	Type    string `json:"type" binding:"required"`
	Query   string `json:"query"`
	Profile string `json:"profile"`
}

func (h *Handler) CreateTask(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	var typ task.Type
	switch strings.ToLower(req.Type) {
	case string(task.TypeSearch):
		typ = task.TypeSearch
		if strings.TrimSpace(req.Query) == "" {
			common.Fail(c, http.StatusBadRequest, 10010, "query required for search tasks")
			return
		}
	case string(task.TypeProfile):
		typ = task.TypeProfile
		if strings.TrimSpace(req.Profile) == "" {
			common.Fail(c, http.StatusBadRequest, 10011, "profile required for profile tasks")
			return
		}
	default:
		common.Fail(c, http.StatusBadRequest, 10012, "unknown task type")
		return
	}

	t, err := h.TaskSvc.Create(c.Request.Context(), uid, typ, task.Payload{
		Query:   req.Query,
		Profile: req.Profile,
	})
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50010, "failed to create task")
		return
	}

	common.OK(c, gin.H{"task_id": t.TaskID, "status": t.Status})
}

func (h *Handler) taskForUser(c *gin.Context) (*task.Task, bool) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return nil, false
	}

	taskID := c.Param("task_id")
	if taskID == "" {
		common.Fail(c, http.StatusBadRequest, 10013, "task_id required")
		return nil, false
	}

	t, err := h.TaskSvc.Get(c.Request.Context(), taskID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusNotFound, 40410, "task not found")
			return nil, false
		}
		common.Fail(c, http.StatusInternalServerError, 50011, "internal error")
		return nil, false
	}
	if t.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40410, "task not found")
		return nil, false
	}
	return t, true
}

func (h *Handler) GetTask(c *gin.Context) {
	t, ok := h.taskForUser(c)
	if !ok {
		return
	}
	common.OK(c, gin.H{"task": t})
}

// StopTask is idempotent: stopping a finished task returns its record
// unchanged with a 200.
func (h *Handler) StopTask(c *gin.Context) {
	t, ok := h.taskForUser(c)
	if !ok {
		return
	}

	stopped, err := h.TaskSvc.Stop(c.Request.Context(), t.TaskID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50012, "failed to stop task")
		return
	}
	common.OK(c, gin.H{"task": stopped})
}
