package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"avqc/internal/notifications"
	"avqc/internal/testsupport"
)

type captured struct {
	title    string
	tags     string
	priority string
	auth     string
	body     string
}

func newWebhookServer(t *testing.T) (*httptest.Server, func() []captured) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []captured
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, captured{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			auth:     r.Header.Get("Authorization"),
			body:     string(body),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), requests...)
	}
}

func TestTerminalFailureNotification(t *testing.T) {
	server, requests := newWebhookServer(t)
	cfg := testsupport.NewConfig(t)
	cfg.Notifications.WebhookURL = server.URL
	cfg.Notifications.AuthToken = "secret-token"
	cfg.Notifications.Failures = true

	svc := notifications.NewService(cfg)
	err := svc.NotifyTerminalFailure(context.Background(), "TEST-AB01234-day0001-interview", "decrypt", 3, "bad key")
	if err != nil {
		t.Fatalf("NotifyTerminalFailure: %v", err)
	}

	got := requests()
	if len(got) != 1 {
		t.Fatalf("expected 1 request, got %d", len(got))
	}
	req := got[0]
	if req.title != "avqc - Permanent Failure" {
		t.Fatalf("unexpected title %q", req.title)
	}
	if req.priority != "high" {
		t.Fatalf("unexpected priority %q", req.priority)
	}
	if req.auth != "Bearer secret-token" {
		t.Fatalf("unexpected auth header %q", req.auth)
	}
	if !strings.Contains(req.body, "decrypt") || !strings.Contains(req.body, "3 attempt(s)") {
		t.Fatalf("unexpected body %q", req.body)
	}
	if !strings.Contains(req.body, "bad key") {
		t.Fatalf("expected last error in body, got %q", req.body)
	}
}

func TestNotificationTogglesSuppressSends(t *testing.T) {
	server, requests := newWebhookServer(t)
	cfg := testsupport.NewConfig(t)
	cfg.Notifications.WebhookURL = server.URL
	cfg.Notifications.Failures = false
	cfg.Notifications.Stalls = false
	cfg.Notifications.Milestones = false

	svc := notifications.NewService(cfg)
	ctx := context.Background()
	if err := svc.NotifyTerminalFailure(ctx, "iv", "decrypt", 1, ""); err != nil {
		t.Fatalf("NotifyTerminalFailure: %v", err)
	}
	if err := svc.NotifyPipelineStalled(ctx, 5, time.Minute); err != nil {
		t.Fatalf("NotifyPipelineStalled: %v", err)
	}
	if err := svc.NotifyInterviewComplete(ctx, "iv"); err != nil {
		t.Fatalf("NotifyInterviewComplete: %v", err)
	}

	if got := requests(); len(got) != 0 {
		t.Fatalf("expected suppressed notifications, got %d requests", len(got))
	}
}

func TestMilestoneNotification(t *testing.T) {
	server, requests := newWebhookServer(t)
	cfg := testsupport.NewConfig(t)
	cfg.Notifications.WebhookURL = server.URL
	cfg.Notifications.Milestones = true

	svc := notifications.NewService(cfg)
	if err := svc.NotifyInterviewComplete(context.Background(), "TEST-AB01234-day0001-interview"); err != nil {
		t.Fatalf("NotifyInterviewComplete: %v", err)
	}

	got := requests()
	if len(got) != 1 {
		t.Fatalf("expected 1 request, got %d", len(got))
	}
	if got[0].title != "avqc - Interview Complete" {
		t.Fatalf("unexpected title %q", got[0].title)
	}
	if got[0].priority != "" {
		t.Fatalf("milestones should use default priority, got %q", got[0].priority)
	}
}

func TestWebhookErrorStatusSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.WebhookURL = server.URL

	err := notifications.NewService(cfg).TestNotification(context.Background())
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestNoopServiceWithoutWebhook(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Notifications.WebhookURL = ""

	svc := notifications.NewService(cfg)
	ctx := context.Background()
	if err := svc.TestNotification(ctx); err != nil {
		t.Fatalf("TestNotification: %v", err)
	}
	if err := svc.NotifyError(ctx, errors.New("boom"), "crawl"); err != nil {
		t.Fatalf("NotifyError: %v", err)
	}
}
