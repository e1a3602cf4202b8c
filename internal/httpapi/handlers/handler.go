package handlers

import (
	"gorm.io/gorm"

	"github.com/wykra-io/wykra-api-sub001/internal/chat"
	"github.com/wykra-io/wykra-api-sub001/internal/config"
	"github.com/wykra-io/wykra-api-sub001/internal/task"
)

type Handler struct {
	DB           *gorm.DB
	Cfg          config.Config
	TaskSvc      *task.Service
	Orchestrator *chat.Orchestrator
}

func NewHandler(db *gorm.DB, cfg config.Config, taskSvc *task.Service, orch *chat.Orchestrator) *Handler {
	return &Handler{DB: db, Cfg: cfg, TaskSvc: taskSvc, Orchestrator: orch}
}
