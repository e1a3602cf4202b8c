package main

import (
	"log"
	"strings"

	"github.com/wykra-io/wykra-api-sub001/internal/ai"
	"github.com/wykra-io/wykra-api-sub001/internal/chat"
	"github.com/wykra-io/wykra-api-sub001/internal/config"
	"github.com/wykra-io/wykra-api-sub001/internal/db"
	"github.com/wykra-io/wykra-api-sub001/internal/httpapi"
	"github.com/wykra-io/wykra-api-sub001/internal/queue"
	"github.com/wykra-io/wykra-api-sub001/internal/store/rabbitmq"
	"github.com/wykra-io/wykra-api-sub001/internal/store/redisstore"
	"github.com/wykra-io/wykra-api-sub001/internal/task"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	markers := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer markers.Close()

	q := queue.New(pub, markers)

	taskRepo := task.NewRepo(gdb)
	taskSvc := task.NewService(taskRepo, q, task.NewRegistry())

	// provider registry (route by AI_PROVIDER)
	reg := ai.NewRegistry()
	reg.Register("ollama", func(model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m), nil
	})

	provider, err := reg.Get(cfg.AIProvider, "")
	if err != nil {
		log.Fatalf("ai provider: %v", err)
	}

	chatRepo := chat.NewRepo(gdb)
	orch := chat.NewOrchestrator(chatRepo, taskSvc, provider, chat.Options{
		ContextWindow:   cfg.ChatContextWindowSize,
		SearchDeadline:  cfg.ScrapeDeadline,
		ProfileDeadline: cfg.ProfileDeadline,
	})

	r := httpapi.NewRouter(gdb, cfg, taskSvc, orch)

	log.Printf("server started, addr=:8080")
	if err := r.Run(":8080"); err != nil {
		log.Fatalf("server: %v", err)
	}
}
