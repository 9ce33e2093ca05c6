// Package notify delivers password reset links to their owners.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/hibiken/asynq"
	"github.com/upb/authz-core/models"
	"go.uber.org/zap"
)

const (
	// TaskTypePasswordReset is consumed by the mail worker.
	TaskTypePasswordReset = "email:password_reset"

	// QueueDefault is the queue reset tasks are enqueued on.
	QueueDefault = "default"
)

// PasswordResetPayload is the task body. It carries the reset link, so the
// queue must be treated as holding live credentials.
type PasswordResetPayload struct {
	To        string    `json:"to"`
	Name      string    `json:"name"`
	ResetLink string    `json:"reset_link"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewPasswordResetTask builds an asynq task for payload.
func NewPasswordResetTask(payload PasswordResetPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePasswordReset, data), nil
}

// ResetLink appends the raw token to baseURL as the token query parameter.
func ResetLink(baseURL, rawToken string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid reset url: %w", err)
	}
	q := u.Query()
	q.Set("token", rawToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Enqueuer is the part of *asynq.Client the notifier needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqNotifier enqueues reset emails for an out-of-process worker.
type AsynqNotifier struct {
	client   Enqueuer
	resetURL string
	logger   *zap.Logger
}

// NewAsynqNotifier creates a notifier that links to resetURL.
func NewAsynqNotifier(client Enqueuer, resetURL string, logger *zap.Logger) *AsynqNotifier {
	return &AsynqNotifier{client: client, resetURL: resetURL, logger: logger}
}

// NotifyPasswordReset enqueues one email task. The task expires with the token.
func (n *AsynqNotifier) NotifyPasswordReset(ctx context.Context, user *models.User, rawToken string, expiresAt time.Time) error {
	link, err := ResetLink(n.resetURL, rawToken)
	if err != nil {
		return err
	}
	task, err := NewPasswordResetTask(PasswordResetPayload{
		To:        user.Email,
		Name:      user.FullName(),
		ResetLink: link,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode reset task: %w", err)
	}

	info, err := n.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Deadline(expiresAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue reset task: %w", err)
	}
	n.logger.Info("password reset email enqueued",
		zap.String("user_id", user.ID.String()),
		zap.String("task_id", info.ID))
	return nil
}

// LogNotifier records that a reset was requested without sending anything.
// It is used when no queue is configured and never logs the token.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyPasswordReset logs the request.
func (n *LogNotifier) NotifyPasswordReset(_ context.Context, user *models.User, _ string, expiresAt time.Time) error {
	n.logger.Warn("password reset requested but no mail queue is configured",
		zap.String("user_id", user.ID.String()),
		zap.Time("expires_at", expiresAt))
	return nil
}
