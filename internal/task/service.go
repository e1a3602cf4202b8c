package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/wykra-io/wykra-api-sub001/internal/common"
	"github.com/wykra-io/wykra-api-sub001/internal/scrape"
)

// CancelledByUser is the error text recorded on a user-initiated stop.
const CancelledByUser = "Cancelled by user"

// Queue is the durable work queue the service enqueues into. The idempotency
// key is the task id, so stop-before-pickup is a lookup-and-remove.
type Queue interface {
	Enqueue(ctx context.Context, taskID string) error
	// RemovePending withdraws a job not yet picked up by a worker. Returns
	// false when the job was already claimed or never existed.
	RemovePending(ctx context.Context, taskID string) (bool, error)
}

// Service owns the task state machine: it persists the Pending record before
// enqueueing (so a stop issued right after acceptance always finds a row),
// and exposes stop/status.
type Service struct {
	repo     *Repo
	queue    Queue
	registry *Registry
}

func NewService(repo *Repo, queue Queue, registry *Registry) *Service {
	return &Service{repo: repo, queue: queue, registry: registry}
}

func (s *Service) Registry() *Registry { return s.registry }

// Create persists a Pending task and enqueues it. Safe to call concurrently.
func (s *Service) Create(ctx context.Context, userID uint64, typ Type, payload Payload) (*Task, error) {
	taskID, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	t := &Task{
		TaskID:  taskID,
		UserID:  userID,
		Type:    typ,
		Payload: string(b),
		Status:  StatusPending,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, taskID); err != nil {
		// record must not stay pending with no job behind it
		_ = s.repo.MarkFailed(ctx, taskID, fmt.Sprintf("enqueue failed: %v", err))
		return nil, err
	}
	return t, nil
}

// Stop cancels a task. Idempotent: stopping an already-terminal task returns
// the record unchanged. The record flip happens synchronously before any
// cleanup so concurrent status polls observe the cancellation immediately.
func (s *Service) Stop(ctx context.Context, taskID string) (*Task, error) {
	t, err := s.repo.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}

	if _, err := s.repo.MarkCancelled(ctx, taskID, CancelledByUser); err != nil {
		return nil, err
	}

	// best-effort cleanup; neither step may block or undo the flip above
	s.registry.Signal(taskID, scrape.ErrAborted)
	if _, err := s.queue.RemovePending(ctx, taskID); err != nil {
		log.Printf("task stop remove pending task=%s err=%v", taskID, err)
	}

	return s.repo.GetByTaskID(ctx, taskID)
}

func (s *Service) Get(ctx context.Context, taskID string) (*Task, error) {
	return s.repo.GetByTaskID(ctx, taskID)
}
