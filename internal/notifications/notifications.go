package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fluidics-controller/internal/env"
)

// Priority follows ntfy's 1 (min) to 5 (urgent) scale.
type Priority int

const (
	PriorityLow     Priority = 2
	PriorityDefault Priority = 3
	PriorityHigh    Priority = 4
	PriorityUrgent  Priority = 5
)

var ErrNotInitialized = errors.New("notifications not initialized")

// Alert is one push message about a sequencing run.
type Alert struct {
	Title    string
	Message  string
	Priority Priority
	// RunID is attached as a tag so alerts from one run can be grouped.
	RunID string
	Tags  []string
}

type publishRequest struct {
	Topic    string   `json:"topic"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority Priority `json:"priority"`
	Tags     []string `json:"tags"`
}

var (
	client      *http.Client
	topic       string
	initialized bool

	// ntfy server, swapped out in tests
	baseURL = "https://ntfy.sh"
)

func Init() {
	if env.Cfg == nil || env.Cfg.NtfyTopic == "" {
		log.Warn().Msg("Ntfy topic not configured - run alerts disabled")
		return
	}

	client = &http.Client{Timeout: 10 * time.Second}
	topic = env.Cfg.NtfyTopic
	initialized = true

	log.Info().Str("topic", topic).Msg("Run alerts initialized")
}

// Send publishes a to the configured topic. It gives up as soon as ctx is
// done.
func Send(ctx context.Context, a Alert) error {
	if !initialized {
		return ErrNotInitialized
	}

	body, err := json.Marshal(newPublishRequest(a))
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert %q: %w", a.Title, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy rejected alert %q: status %d", a.Title, resp.StatusCode)
	}

	log.Debug().
		Str("title", a.Title).
		Int("priority", int(a.Priority)).
		Str("run_id", a.RunID).
		Msg("Run alert sent")
	return nil
}

func newPublishRequest(a Alert) publishRequest {
	priority := a.Priority
	if priority == 0 {
		priority = PriorityDefault
	}

	tags := []string{"microscope"}
	if priority >= PriorityHigh {
		tags = append(tags, "warning")
	}
	if a.RunID != "" {
		tags = append(tags, "run-"+a.RunID)
	}
	tags = append(tags, a.Tags...)

	return publishRequest{
		Topic:    topic,
		Title:    a.Title,
		Message:  a.Message,
		Priority: priority,
		Tags:     tags,
	}
}
