package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"avqc/internal/config"
)

const userAgent = "avqc/0.1.0"

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifyTerminalFailure(ctx context.Context, interview, stage string, attempts int, lastError string) error
	NotifyPipelineStalled(ctx context.Context, pending int, idleFor time.Duration) error
	NotifyInterviewComplete(ctx context.Context, interview string) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by the configured webhook.
// When no webhook URL is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	endpoint := strings.TrimSpace(cfg.Notifications.WebhookURL)
	if endpoint == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &webhookService{
		endpoint:   endpoint,
		authToken:  strings.TrimSpace(cfg.Notifications.AuthToken),
		failures:   cfg.Notifications.Failures,
		stalls:     cfg.Notifications.Stalls,
		milestones: cfg.Notifications.Milestones,
		client:     &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type webhookService struct {
	endpoint   string
	authToken  string
	failures   bool
	stalls     bool
	milestones bool
	client     *http.Client
}

func (w *webhookService) NotifyTerminalFailure(ctx context.Context, interview, stage string, attempts int, lastError string) error {
	if !w.failures {
		return nil
	}
	interview = strings.TrimSpace(interview)
	lastError = strings.TrimSpace(lastError)
	message := fmt.Sprintf("Stage %s failed permanently for %s after %d attempt(s)", stage, interview, attempts)
	if lastError != "" {
		message = fmt.Sprintf("%s\n%s", message, lastError)
	}
	data := payload{
		title:    "avqc - Permanent Failure",
		message:  message,
		tags:     []string{"avqc", "failure", stage},
		priority: "high",
	}
	return w.send(ctx, data)
}

func (w *webhookService) NotifyPipelineStalled(ctx context.Context, pending int, idleFor time.Duration) error {
	if !w.stalls {
		return nil
	}
	data := payload{
		title: "avqc - Pipeline Stalled",
		message: fmt.Sprintf("%d run(s) pending with no progress for %s; check tool availability and prerequisites",
			pending, idleFor.Round(time.Second)),
		tags:     []string{"avqc", "stall", "alert"},
		priority: "high",
	}
	return w.send(ctx, data)
}

func (w *webhookService) NotifyInterviewComplete(ctx context.Context, interview string) error {
	if !w.milestones {
		return nil
	}
	data := payload{
		title:   "avqc - Interview Complete",
		message: fmt.Sprintf("All stages finished for %s", strings.TrimSpace(interview)),
		tags:    []string{"avqc", "interview", "completed"},
	}
	return w.send(ctx, data)
}

func (w *webhookService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !w.failures {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "avqc - Error",
		message:  builder.String(),
		tags:     []string{"avqc", "error", "alert"},
		priority: "high",
	}
	return w.send(ctx, data)
}

func (w *webhookService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "avqc - Test",
		message:  "Notification system test",
		tags:     []string{"avqc", "test"},
		priority: "low",
	}
	return w.send(ctx, data)
}

func (w *webhookService) send(ctx context.Context, data payload) error {
	if w == nil || w.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if w.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.authToken)
	}
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyTerminalFailure(context.Context, string, string, int, string) error {
	return nil
}
func (noopService) NotifyPipelineStalled(context.Context, int, time.Duration) error { return nil }
func (noopService) NotifyInterviewComplete(context.Context, string) error           { return nil }
func (noopService) NotifyError(context.Context, error, string) error                { return nil }
func (noopService) TestNotification(context.Context) error                          { return nil }
