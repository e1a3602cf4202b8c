package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/wykra-io/wykra-api-sub001/internal/ai"
	"github.com/wykra-io/wykra-api-sub001/internal/common"
	"github.com/wykra-io/wykra-api-sub001/internal/task"
)

// TaskService is the slice of the task lifecycle manager the orchestrator
// needs: dispatch and status polling.
type TaskService interface {
	Create(ctx context.Context, userID uint64, typ task.Type, payload task.Payload) (*task.Task, error)
	Get(ctx context.Context, taskID string) (*task.Task, error)
}

type Options struct {
	ContextWindow   int
	PlaceholderWait time.Duration
	PollInterval    time.Duration
	SearchDeadline  time.Duration
	ProfileDeadline time.Duration
}

func (o Options) withDefaults() Options {
	if o.ContextWindow <= 0 || o.ContextWindow > 100 {
		o.ContextWindow = 20
	}
	if o.PlaceholderWait <= 0 {
		o.PlaceholderWait = 1500 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.SearchDeadline <= 0 {
		o.SearchDeadline = 20 * time.Minute
	}
	if o.ProfileDeadline <= 0 {
		o.ProfileDeadline = 30 * time.Minute
	}
	return o
}

// Orchestrator turns chat turns into tasks and reconciles finished tasks back
// into the conversation. Background poll loops are detached from the request
// that spawned them.
type Orchestrator struct {
	repo     *Repo
	tasks    TaskService
	provider ai.Provider
	opts     Options

	// one session creation in flight per user; concurrent turns share it
	sessions singleflight.Group

	wg sync.WaitGroup
}

func NewOrchestrator(repo *Repo, tasks TaskService, provider ai.Provider, opts Options) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		tasks:    tasks,
		provider: provider,
		opts:     opts.withDefaults(),
	}
}

// Wait blocks until all background poll loops have finished. Used on
// shutdown and by tests.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// TurnResult is what the HTTP layer returns for one user turn.
type TurnResult struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
	Reply     string `json:"reply"`
}

// EnsureSession returns the user's current session, creating one if needed.
// Creation is deduplicated per user id: two turns arriving before the first
// session exists resolve to the same record.
func (o *Orchestrator) EnsureSession(ctx context.Context, userID uint64) (*Session, error) {
	s, err := o.repo.GetLatestSessionByUser(ctx, userID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	v, err, _ := o.sessions.Do(strconv.FormatUint(userID, 10), func() (any, error) {
		// a racer that lost the flight may still find the winner's row
		if s, err := o.repo.GetLatestSessionByUser(ctx, userID); err == nil {
			return s, nil
		}
		sid, err := common.NewULID()
		if err != nil {
			return nil, err
		}
		s := &Session{SessionID: sid, UserID: userID}
		if err := o.repo.CreateSession(ctx, s); err != nil {
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// HandleMessage runs one user turn: detect intent, extract the required
// parameter, dispatch a task (or answer directly), acknowledge, and launch
// the background poll loop. It returns as soon as the acknowledgement is
// ready; result delivery happens asynchronously.
func (o *Orchestrator) HandleMessage(ctx context.Context, userID uint64, content string, clientTS time.Time) (*TurnResult, error) {
	sess, err := o.EnsureSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if clientTS.IsZero() {
		clientTS = time.Now()
	}

	userMsg := &Message{
		SessionID: sess.SessionID,
		UserID:    userID,
		Role:      "user",
		Content:   content,
		ClientTS:  clientTS,
	}
	if err := o.repo.InsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	intent, err := DetectIntent(ctx, o.provider, content)
	if err != nil {
		return nil, err
	}

	if intent.Endpoint == EndpointNone {
		return o.plainReply(ctx, userID, sess)
	}

	if err := intent.Validate(); err != nil {
		reply := clarification(intent.Endpoint)
		o.insertAssistant(ctx, sess, userID, intent.Endpoint, reply)
		return &TurnResult{SessionID: sess.SessionID, Reply: reply}, nil
	}

	return o.dispatch(ctx, userID, sess, intent)
}

func (o *Orchestrator) dispatch(ctx context.Context, userID uint64, sess *Session, intent Intent) (*TurnResult, error) {
	typ := task.TypeSearch
	payload := task.Payload{Query: intent.Query}
	if intent.Endpoint == EndpointProfile {
		typ = task.TypeProfile
		payload = task.Payload{Profile: intent.Profile}
	}

	t, err := o.tasks.Create(ctx, userID, typ, payload)
	if err != nil {
		return nil, err
	}

	ct := &ChatTask{TaskID: t.TaskID, SessionID: sess.SessionID}
	if err := o.repo.CreateChatTask(ctx, ct); err != nil {
		return nil, err
	}

	// The placeholder message is created asynchronously; wait a short bounded
	// interval for its id, then proceed without it. The reconcile goroutine
	// picks it up whenever it materializes.
	fut := o.spawnPlaceholder(sess, userID, intent.Endpoint)
	select {
	case <-fut.done:
		if fut.err == nil {
			if _, err := o.repo.AttachMessageID(ctx, t.TaskID, fut.id); err != nil {
				log.Printf("chat attach message task=%s err=%v", t.TaskID, err)
			}
		}
	case <-time.After(o.opts.PlaceholderWait):
	}

	o.wg.Add(2)
	go o.reconcilePlaceholder(t.TaskID, sess, userID, intent.Endpoint, fut)
	go o.pollTask(t.TaskID, sess, userID, intent.Endpoint, fut)

	return &TurnResult{
		SessionID: sess.SessionID,
		TaskID:    t.TaskID,
		Reply:     ackText(intent),
	}, nil
}

func ackText(intent Intent) string {
	if intent.Endpoint == EndpointProfile {
		return fmt.Sprintf("Got it — analyzing %s now. I'll post the findings here when they're ready.", intent.Profile)
	}
	return fmt.Sprintf("Got it — searching for %q now. I'll post the results here when they're ready.", intent.Query)
}

// plainReply answers a non-task turn with the provider, scoped to a recent
// history window in ASC order.
func (o *Orchestrator) plainReply(ctx context.Context, userID uint64, sess *Session) (*TurnResult, error) {
	recentDesc, err := o.repo.ListRecentMessagesDesc(ctx, userID, sess.SessionID, o.opts.ContextWindow)
	if err != nil {
		return nil, err
	}

	providerMsgs := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		providerMsgs = append(providerMsgs, ai.Message{Role: m.Role, Content: m.Content})
	}

	reply, err := o.provider.Chat(ctx, providerMsgs)
	if err != nil {
		return nil, err
	}

	o.insertAssistant(ctx, sess, userID, "", reply)
	return &TurnResult{SessionID: sess.SessionID, Reply: reply}, nil
}

func (o *Orchestrator) insertAssistant(ctx context.Context, sess *Session, userID uint64, endpoint, content string) *Message {
	m := &Message{
		SessionID: sess.SessionID,
		UserID:    userID,
		Role:      "assistant",
		Content:   content,
		Endpoint:  endpoint,
		ClientTS:  time.Now(),
	}
	if err := o.repo.InsertMessage(ctx, m); err != nil {
		log.Printf("chat insert assistant session=%s err=%v", sess.SessionID, err)
		return nil
	}
	return m
}

// msgFuture settles once the placeholder message insert finishes.
type msgFuture struct {
	done chan struct{}
	id   uint64
	err  error
}

func (o *Orchestrator) spawnPlaceholder(sess *Session, userID uint64, endpoint string) *msgFuture {
	fut := &msgFuture{done: make(chan struct{})}
	go func() {
		defer close(fut.done)
		m := &Message{
			SessionID: sess.SessionID,
			UserID:    userID,
			Role:      "assistant",
			Content:   placeholderText,
			Endpoint:  endpoint,
			ClientTS:  time.Now(),
		}
		if err := o.repo.InsertMessage(context.Background(), m); err != nil {
			fut.err = err
			return
		}
		fut.id = m.ID
	}()
	return fut
}

// reconcilePlaceholder waits for the placeholder id to materialize, attaches
// it to the chat task, and flushes a result that finished in the meantime.
// If the placeholder never materializes, a parked result is carried on a
// brand-new message instead.
func (o *Orchestrator) reconcilePlaceholder(taskID string, sess *Session, userID uint64, endpoint string, fut *msgFuture) {
	defer o.wg.Done()
	<-fut.done

	ctx := context.Background()
	if fut.err != nil {
		log.Printf("chat placeholder task=%s err=%v", taskID, fut.err)
		o.flushToNewMessage(ctx, taskID, sess, userID, endpoint)
		return
	}

	if _, err := o.repo.AttachMessageID(ctx, taskID, fut.id); err != nil {
		log.Printf("chat attach message task=%s err=%v", taskID, err)
	}
	o.flushParked(ctx, taskID, fut.id)
}

// flushParked writes a parked result into the now-known message. The
// ClaimDelivery guard ensures a result already delivered elsewhere is never
// overwritten with stale content.
func (o *Orchestrator) flushParked(ctx context.Context, taskID string, msgID uint64) {
	ct, err := o.repo.GetChatTaskByTaskID(ctx, taskID)
	if err != nil {
		log.Printf("chat flush task=%s err=%v", taskID, err)
		return
	}
	if ct.DeliveryState != DeliveryAwaiting || ct.PendingResult == nil {
		return
	}
	text := *ct.PendingResult

	rows, err := o.repo.ClaimDelivery(ctx, taskID)
	if err != nil || rows == 0 {
		return
	}
	if err := o.repo.UpdateMessageContent(ctx, msgID, text); err != nil {
		log.Printf("chat flush write task=%s msg=%d err=%v", taskID, msgID, err)
	}
}

// flushToNewMessage carries a parked result on a fresh assistant message when
// no placeholder id ever materialized.
func (o *Orchestrator) flushToNewMessage(ctx context.Context, taskID string, sess *Session, userID uint64, endpoint string) {
	ct, err := o.repo.GetChatTaskByTaskID(ctx, taskID)
	if err != nil {
		log.Printf("chat flush task=%s err=%v", taskID, err)
		return
	}
	if ct.DeliveryState != DeliveryAwaiting || ct.PendingResult == nil {
		return
	}
	text := *ct.PendingResult

	rows, err := o.repo.ClaimDelivery(ctx, taskID)
	if err != nil || rows == 0 {
		return
	}
	if m := o.insertAssistant(ctx, sess, userID, endpoint, text); m != nil {
		_, _ = o.repo.AttachMessageID(ctx, taskID, m.ID)
	}
}

// pollTask observes the task until a terminal state or a generous workload
// deadline, then reconciles the outcome into the conversation.
func (o *Orchestrator) pollTask(taskID string, sess *Session, userID uint64, endpoint string, fut *msgFuture) {
	defer o.wg.Done()
	ctx := context.Background()

	deadline := o.opts.SearchDeadline
	if endpoint == EndpointProfile {
		deadline = o.opts.ProfileDeadline
	}

	start := time.Now()
	for {
		t, err := o.tasks.Get(ctx, taskID)
		if err != nil {
			log.Printf("chat poll task=%s err=%v", taskID, err)
		} else if t.Status.Terminal() {
			o.deliverText(ctx, taskID, sess, userID, endpoint, fut, FormatTerminal(t, endpoint))
			return
		}

		if time.Since(start) > deadline {
			o.deliverText(ctx, taskID, sess, userID, endpoint, fut,
				"This is taking longer than expected — it's still processing, please check back later.")
			return
		}
		time.Sleep(o.opts.PollInterval)
	}
}

// deliverText reconciles a finished task's text with the placeholder message
// that may or may not exist yet.
func (o *Orchestrator) deliverText(ctx context.Context, taskID string, sess *Session, userID uint64, endpoint string, fut *msgFuture, text string) {
	ct, err := o.repo.GetChatTaskByTaskID(ctx, taskID)
	if err != nil {
		log.Printf("chat deliver task=%s err=%v", taskID, err)
		return
	}

	if ct.ChatMessageID != nil {
		o.deliverToMessage(ctx, taskID, *ct.ChatMessageID, text)
		return
	}

	rows, err := o.repo.ParkResult(ctx, taskID, text)
	if err != nil {
		log.Printf("chat park task=%s err=%v", taskID, err)
		return
	}
	if rows > 0 {
		// parked; the reconcile goroutine flushes it once the placeholder id
		// arrives. If the placeholder already failed, flush to a new message
		// ourselves — the reconcile goroutine may have run before we parked.
		select {
		case <-fut.done:
			if fut.err != nil {
				o.flushToNewMessage(ctx, taskID, sess, userID, endpoint)
			}
		default:
		}
		return
	}

	// a message id appeared between the read and the park; deliver directly
	ct, err = o.repo.GetChatTaskByTaskID(ctx, taskID)
	if err == nil && ct.ChatMessageID != nil {
		o.deliverToMessage(ctx, taskID, *ct.ChatMessageID, text)
	}
}

func (o *Orchestrator) deliverToMessage(ctx context.Context, taskID string, msgID uint64, text string) {
	rows, err := o.repo.ClaimDelivery(ctx, taskID)
	if err != nil || rows == 0 {
		return
	}
	if err := o.repo.UpdateMessageContent(ctx, msgID, text); err != nil {
		log.Printf("chat deliver write task=%s msg=%d err=%v", taskID, msgID, err)
	}
}

// ListMessages pages a session's history for the HTTP layer.
func (o *Orchestrator) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	sess, err := o.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return o.repo.ListMessages(ctx, userID, sessionID, limit, beforeID)
}
