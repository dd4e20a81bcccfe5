package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"doseaccum/internal/batch"
	"doseaccum/internal/config"
)

const userAgent = "doseaccum/0.1.0"

// Service defines the notification surface used by the stage driver.
type Service interface {
	NotifyStageCompleted(ctx context.Context, summary batch.Summary) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

// NotifyStageCompleted skips stages where every unit was skipped; there is
// nothing new to report.
func (n *ntfyService) NotifyStageCompleted(ctx context.Context, summary batch.Summary) error {
	if summary.Total == summary.Skipped {
		return nil
	}
	return n.send(ctx, stagePayload(summary))
}

func stagePayload(summary batch.Summary) payload {
	elapsed := summary.Elapsed.Round(time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	data := payload{
		title: fmt.Sprintf("doseaccum - %s complete", summary.Stage),
		message: fmt.Sprintf("%d succeeded, %d skipped, %d failed in %s",
			summary.Succeeded, summary.Skipped, summary.Failed, elapsed),
		tags: []string{"doseaccum", summary.Stage, "completed"},
	}
	if summary.Failed > 0 {
		data.title = fmt.Sprintf("doseaccum - %s complete (with errors)", summary.Stage)
		data.tags[2] = "failed"
		data.priority = "high"
		var b strings.Builder
		b.WriteString(data.message)
		for i, res := range summary.Failures {
			if i == 3 {
				fmt.Fprintf(&b, "\n... and %d more", len(summary.Failures)-i)
				break
			}
			fmt.Fprintf(&b, "\n%s: %s", res.Task.Unit, res.Status)
		}
		data.message = b.String()
	}
	return data
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "doseaccum - Test",
		message:  "Notification system test",
		tags:     []string{"doseaccum", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyStageCompleted(context.Context, batch.Summary) error { return nil }
func (noopService) TestNotification(context.Context) error                    { return nil }
