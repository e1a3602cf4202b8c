package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/wykra-io/wykra-api-sub001/internal/chat"
	"github.com/wykra-io/wykra-api-sub001/internal/common"
	"github.com/wykra-io/wykra-api-sub001/internal/config"
	"github.com/wykra-io/wykra-api-sub001/internal/httpapi/handlers"
	"github.com/wykra-io/wykra-api-sub001/internal/httpapi/middleware"
	"github.com/wykra-io/wykra-api-sub001/internal/task"
)

func NewRouter(db *gorm.DB, cfg config.Config, taskSvc *task.Service, orch *chat.Orchestrator) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, taskSvc, orch)

	r.GET("/ping", h.Ping)

	// users + auth
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUserByID)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// tasks (JWT required)
	authGroup.POST("/tasks", h.CreateTask)
	authGroup.GET("/tasks/:task_id", h.GetTask)
	authGroup.POST("/tasks/:task_id/stop", h.StopTask)

	// chat (JWT required)
	authGroup.POST("/chat/messages", h.SendChatMessage)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)

	return r
}
