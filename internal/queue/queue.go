// Package queue composes the rabbitmq publisher with the redis pending
// markers into the durable work queue contract: enqueue with the task id as
// idempotency key, withdraw a job not yet picked up, claim at pickup.
package queue

import (
	"context"

	"github.com/wykra-io/wykra-api-sub001/internal/store/rabbitmq"
	"github.com/wykra-io/wykra-api-sub001/internal/store/redisstore"
)

type Queue struct {
	pub     *rabbitmq.Publisher
	markers *redisstore.Store
}

func New(pub *rabbitmq.Publisher, markers *redisstore.Store) *Queue {
	return &Queue{pub: pub, markers: markers}
}

// Enqueue marks the job pending, then publishes it. Marker first: a job that
// is published without a marker would be unclaimable at pickup.
func (q *Queue) Enqueue(ctx context.Context, taskID string) error {
	if err := q.markers.MarkPending(ctx, taskID); err != nil {
		return err
	}
	return q.pub.PublishTask(ctx, taskID)
}

func (q *Queue) RemovePending(ctx context.Context, taskID string) (bool, error) {
	return q.markers.RemovePending(ctx, taskID)
}

func (q *Queue) Claim(ctx context.Context, taskID string) (bool, error) {
	return q.markers.Claim(ctx, taskID)
}
