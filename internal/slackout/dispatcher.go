// Package slackout delivers event summaries to per-project Slack incoming
// webhooks with same-UTC-day threading.
package slackout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/taskline/attentiond/internal/circuitbreaker"
	"github.com/taskline/attentiond/internal/db"
	"github.com/taskline/attentiond/internal/event"
	"github.com/taskline/attentiond/internal/metrics"
)

// ConfigSource resolves a project's Slack integration.
type ConfigSource interface {
	SlackConfig(ctx context.Context, projectID uuid.UUID) (*db.SlackConfig, error)
}

// TaskTx is the transactional slice the dispatcher needs: the task row
// lock and the pointer update must share a transaction with the send so
// concurrent events cannot create two thread anchors.
type TaskTx interface {
	LockTask(ctx context.Context, taskID uuid.UUID) (*db.TaskRecord, error)
	UpdateSlackPointers(ctx context.Context, taskID uuid.UUID, threadTS, messageTS *string) error
	AppendActivity(ctx context.Context, e *db.ActivityLogEntry) error
}

type Config struct {
	RetryAttempts     int
	PerAttemptTimeout time.Duration
	OverallBudget     time.Duration
}

type Dispatcher struct {
	store   *db.Store
	configs ConfigSource
	breaker *circuitbreaker.CircuitBreaker
	client  *http.Client
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

func New(store *db.Store, configs ConfigSource, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.PerAttemptTimeout <= 0 {
		cfg.PerAttemptTimeout = 5 * time.Second
	}
	if cfg.OverallBudget <= 0 {
		cfg.OverallBudget = 30 * time.Second
	}
	return &Dispatcher{
		store:   store,
		configs: configs,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("slack"), logger),
		client:  &http.Client{Timeout: cfg.PerAttemptTimeout},
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Dispatch sends the Slack message owed for an event, if any. It never
// returns an error to the caller: Slack failures are recorded and
// abandoned, and must not revoke attention items or fail the event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event) {
	if ev.TaskID == nil || ev.Task == nil {
		return
	}

	cfg, err := d.configs.SlackConfig(ctx, ev.ProjectID)
	if err != nil {
		d.logger.Warn("slack config lookup failed", zap.Error(err),
			zap.String("project_id", ev.ProjectID.String()))
		return
	}
	if cfg == nil || !flagEnabled(cfg, ev) {
		metrics.RecordSlackDelivery("skipped")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.OverallBudget)
	defer cancel()

	err = d.store.WithTx(ctx, 0, func(ctx context.Context, tx *db.Store) error {
		return d.DispatchTx(ctx, tx, cfg, ev)
	})
	if err != nil {
		metrics.RecordSlackDelivery("abandoned")
		d.logger.Warn("slack dispatch abandoned",
			zap.Error(err),
			zap.String("task_id", ev.TaskID.String()),
			zap.String("event_type", ev.Type),
		)
	}
}

// DispatchTx performs the locked send + pointer update against an open
// transaction.
func (d *Dispatcher) DispatchTx(ctx context.Context, tx TaskTx, cfg *db.SlackConfig, ev *event.Event) error {
	task, err := tx.LockTask(ctx, *ev.TaskID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Deleted tasks still announce their deletion; anything else on a
		// missing row is stale and dropped.
		if ev.Type != event.TypeTaskDeleted {
			return nil
		}
		task = nil
	} else if err != nil {
		return err
	}

	threadTS := ""
	if task != nil && task.SlackThreadTS != nil && task.SlackMessageTS != nil &&
		sameUTCDay(*task.SlackMessageTS, d.now()) {
		threadTS = *task.SlackThreadTS
	}

	text, blocks := BuildMessage(ev)
	msg := &slack.WebhookMessage{
		Text:            text,
		Blocks:          &slack.Blocks{BlockSet: blocks},
		ThreadTimestamp: threadTS,
	}

	ts, err := d.send(ctx, cfg.WebhookURL, msg)
	if err != nil {
		// Permanent failure: record it and stop. The transaction still
		// commits so the activity entry survives.
		if logErr := tx.AppendActivity(ctx, &db.ActivityLogEntry{
			ProjectID:  &ev.ProjectID,
			TaskID:     ev.TaskID,
			UserID:     ev.Actor(),
			Action:     db.ActionSlackFailed,
			EntityType: "task",
			EntityID:   *ev.TaskID,
			NewValues:  mustJSON(map[string]string{"error": err.Error(), "event": ev.Type}),
		}); logErr != nil {
			return logErr
		}
		metrics.RecordSlackDelivery("failed")
		d.logger.Warn("slack delivery failed permanently",
			zap.Error(err), zap.String("task_id", ev.TaskID.String()))
		return nil
	}

	if task != nil {
		if threadTS == "" {
			// New anchor: both pointers move to the fresh timestamp.
			err = tx.UpdateSlackPointers(ctx, task.ID, &ts, &ts)
		} else {
			err = tx.UpdateSlackPointers(ctx, task.ID, nil, &ts)
		}
		if err != nil {
			return err
		}
	}

	metrics.RecordSlackDelivery("sent")
	return nil
}

// send posts the message with retries for network errors, 5xx and 429.
// Returns the message timestamp: the webhook's ts when it supplies one,
// otherwise a synthesized day-tagged token.
func (d *Dispatcher) send(ctx context.Context, webhookURL string, msg *slack.WebhookMessage) (string, error) {
	if !d.breaker.Allow() {
		return "", circuitbreaker.ErrCircuitOpen
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal slack message: %w", err)
	}

	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < d.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			jittered := backoff + time.Duration(rand.Int63n(int64(backoff/2)))
			select {
			case <-ctx.Done():
				d.breaker.RecordFailure()
				return "", ctx.Err()
			case <-time.After(jittered):
			}
			backoff *= 4
		}

		ts, retryable, err := d.attempt(ctx, webhookURL, body)
		if err == nil {
			d.breaker.RecordSuccess()
			return ts, nil
		}
		lastErr = err
		if !retryable {
			d.breaker.RecordFailure()
			return "", err
		}
	}
	d.breaker.RecordFailure()
	return "", fmt.Errorf("slack delivery exhausted %d attempts: %w", d.cfg.RetryAttempts, lastErr)
}

func (d *Dispatcher) attempt(ctx context.Context, webhookURL string, body []byte) (ts string, retryable bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.PerAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("slack request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return d.extractTS(respBody), false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", true, fmt.Errorf("slack returned %d: %s", resp.StatusCode, respBody)
	default:
		return "", false, fmt.Errorf("slack rejected message with %d: %s", resp.StatusCode, respBody)
	}
}

// extractTS pulls ts from the response when the endpoint returns one.
// Incoming webhooks historically answer a bare "ok"; in that case a
// synthesized monotonic token stands in. Its only relied-on property is
// carrying the UTC date of the send.
func (d *Dispatcher) extractTS(respBody []byte) string {
	var parsed struct {
		TS string `json:"ts"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil && parsed.TS != "" {
		return parsed.TS
	}
	now := d.now().UTC()
	return now.Format("20060102") + "." + strconv.FormatInt(now.UnixNano(), 10)
}

// sameUTCDay reports whether a stored timestamp token is from the same
// UTC calendar day as now. Tokens are either real Slack timestamps
// (unix seconds "1712345678.000200") or synthesized "YYYYMMDD.nnn".
func sameUTCDay(token string, now time.Time) bool {
	intPart := token
	if i := indexByte(token, '.'); i >= 0 {
		intPart = token[:i]
	}

	today := now.UTC().Format("20060102")
	if len(intPart) == 8 {
		return intPart == today
	}

	secs, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return false
	}
	return time.Unix(secs, 0).UTC().Format("20060102") == today
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func flagEnabled(cfg *db.SlackConfig, ev *event.Event) bool {
	switch ev.Type {
	case event.TypeTaskCreated:
		return cfg.OnCreate
	case event.TypeTaskUpdated:
		if len(event.ChangedFields(ev.OldTask, ev.Task)) == 0 {
			return false
		}
		return cfg.OnUpdate
	case event.TypeTaskStageChanged:
		if ev.NewStage == event.StageDone {
			return cfg.OnComplete
		}
		return cfg.OnMove
	case event.TypeTaskDeleted:
		return cfg.OnDelete
	case event.TypeCommentCreated:
		return cfg.OnUpdate
	default:
		// Mention and due events stay in-app.
		return false
	}
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
