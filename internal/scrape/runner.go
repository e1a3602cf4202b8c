package scrape

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"
)

const (
	statusReady  = "ready"
	statusFailed = "failed"
	statusError  = "error"

	maxDeadline = 30 * time.Minute
)

// JobSpec describes one dataset collection. PollInterval and Deadline are
// optional per-workload overrides; zero means use the runner defaults.
type JobSpec struct {
	DatasetID    string
	Inputs       []map[string]any
	PollInterval time.Duration
	Deadline     time.Duration
}

// Options are the retry/poll budgets. Zero fields get the documented
// defaults: 3 attempts, 2s between attempts, 5s poll interval, 20m deadline.
type Options struct {
	Retries      int
	RetryDelay   time.Duration
	PollInterval time.Duration
	Deadline     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.Deadline <= 0 {
		o.Deadline = 20 * time.Minute
	}
	return o
}

// Runner drives one external job through trigger / wait-for-ready / download.
// Each phase retries independently so a tens-of-minutes collection survives
// transient network blips without restarting from scratch.
type Runner struct {
	client *Client
	opts   Options
}

func NewRunner(client *Client, opts Options) *Runner {
	return &Runner{client: client, opts: opts.withDefaults()}
}

// Run executes the three phases and returns the normalized records.
// Cancellation of ctx interrupts any sleep or round-trip and surfaces as
// ErrAborted; the overall wait deadline surfaces as ErrDeadline.
func (r *Runner) Run(ctx context.Context, spec JobSpec) ([]json.RawMessage, error) {
	snapshotID, err := r.trigger(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := r.waitReady(ctx, spec, snapshotID); err != nil {
		return nil, err
	}

	raw, err := r.download(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	return Normalize(raw), nil
}

func (r *Runner) trigger(ctx context.Context, spec JobSpec) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.Retries; attempt++ {
		if err := ctxAbort(ctx); err != nil {
			return "", err
		}
		id, err := r.client.Trigger(ctx, spec.DatasetID, spec.Inputs)
		if err == nil {
			return id, nil
		}
		lastErr = err
		log.Printf("scrape trigger dataset=%s attempt=%d err=%v", spec.DatasetID, attempt, err)
		if attempt < r.opts.Retries {
			if err := sleep(ctx, r.opts.RetryDelay); err != nil {
				return "", err
			}
		}
	}
	return "", lastErr
}

func (r *Runner) waitReady(ctx context.Context, spec JobSpec, snapshotID string) error {
	interval := spec.PollInterval
	if interval <= 0 {
		interval = r.opts.PollInterval
	}
	deadline := spec.Deadline
	if deadline <= 0 {
		deadline = r.opts.Deadline
	}
	if deadline > maxDeadline {
		deadline = maxDeadline
	}

	start := time.Now()
	for {
		if err := ctxAbort(ctx); err != nil {
			return err
		}
		if time.Since(start) > deadline {
			return ErrDeadline
		}

		p, err := r.probe(ctx, snapshotID)
		if err != nil {
			if errors.Is(err, ErrAborted) {
				return err
			}
			// transient probe failure; the deadline bounds how long we keep trying
			log.Printf("scrape progress snapshot=%s err=%v", snapshotID, err)
		} else {
			switch p.Status {
			case statusReady:
				return nil
			case statusFailed, statusError:
				return &JobFailedError{SnapshotID: snapshotID, Status: p.Status, Detail: string(p.Raw)}
			}
		}

		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// probe runs a single progress check with its own retry budget, so one flaky
// round-trip does not count as a failed poll.
func (r *Runner) probe(ctx context.Context, snapshotID string) (*Progress, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.Retries; attempt++ {
		if err := ctxAbort(ctx); err != nil {
			return nil, err
		}
		p, err := r.client.Progress(ctx, snapshotID)
		if err == nil {
			return p, nil
		}
		lastErr = err
		if attempt < r.opts.Retries {
			if err := sleep(ctx, r.opts.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (r *Runner) download(ctx context.Context, snapshotID string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.Retries; attempt++ {
		if err := ctxAbort(ctx); err != nil {
			return nil, err
		}
		raw, err := r.client.Download(ctx, snapshotID)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		log.Printf("scrape download snapshot=%s attempt=%d err=%v", snapshotID, attempt, err)
		if attempt < r.opts.Retries {
			if err := sleep(ctx, r.opts.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// Normalize converts a snapshot payload into a flat record slice: a JSON
// array yields its elements, a bare document becomes a one-element slice,
// NDJSON is split per line with malformed lines dropped.
func Normalize(raw []byte) []json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []json.RawMessage{}
	}

	if raw[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(raw, &records); err == nil {
			return records
		}
	}

	if json.Valid(raw) {
		return []json.RawMessage{json.RawMessage(raw)}
	}

	// NDJSON fallback
	records := []json.RawMessage{}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		records = append(records, json.RawMessage(append([]byte(nil), line...)))
	}
	return records
}

// ctxAbort reports cancellation as ErrAborted. Checked at the top of every
// retry attempt and poll iteration.
func ctxAbort(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrAborted
	default:
		return nil
	}
}

// sleep waits d or returns ErrAborted as soon as ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ErrAborted
	case <-t.C:
		return nil
	}
}
