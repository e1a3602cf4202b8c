package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wykra-io/wykra-api-sub001/internal/config"
	"github.com/wykra-io/wykra-api-sub001/internal/db"
	"github.com/wykra-io/wykra-api-sub001/internal/scrape"
	"github.com/wykra-io/wykra-api-sub001/internal/store/rabbitmq"
	"github.com/wykra-io/wykra-api-sub001/internal/store/redisstore"
	"github.com/wykra-io/wykra-api-sub001/internal/task"
	"github.com/wykra-io/wykra-api-sub001/internal/worker"
)

type taskMsg struct {
	TaskID string `json:"task_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	repo := task.NewRepo(gdb)
	registry := task.NewRegistry()

	markers := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer markers.Close()

	client := scrape.NewClient(cfg.ScrapeBaseURL, cfg.ScrapeAPIToken)
	runner := scrape.NewRunner(client, scrape.Options{
		Retries:      cfg.ScrapeTriggerRetries,
		RetryDelay:   cfg.ScrapeRetryDelay,
		PollInterval: cfg.ScrapePollInterval,
		Deadline:     cfg.ScrapeDeadline,
	})

	w := worker.New(repo, registry, runner, markers, worker.Workloads{
		SearchDatasetID:     cfg.SearchDatasetID,
		ProfileDatasetID:    cfg.ProfileDatasetID,
		ProfilePollInterval: cfg.ProfilePollInterval,
		ProfileDeadline:     cfg.ProfileDeadline,
	})

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	// declare from the shared topology so the arguments match the publisher's
	topo := rabbitmq.QueueTopology(cfg.RabbitQueue)
	if err := topo.Declare(ch); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m taskMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.TaskID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := w.HandleTask(ctx, m.TaskID); err != nil {
					// terminal state is already written on the record; the
					// delivery goes to the DLQ for inspection
					log.Printf("worker=%d task %s failed cost=%s err=%v", workerID, m.TaskID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed task=%s err=%v", workerID, m.TaskID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
