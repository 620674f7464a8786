package imaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fluidics-controller/internal/bus"
	"github.com/thatsimonsguy/fluidics-controller/internal/datadog"
)

type State string

const (
	StateIdle     State = "Idle"
	StateWaiting  State = "Waiting"
	StateRunning  State = "Running"
	StatePaused   State = "Paused"
	StateAborting State = "Aborting"
	StateAborted  State = "Aborted"
)

const (
	endpointState    = "/v1/protocol/state"
	endpointCurrent  = "/v1/protocol/current"
	endpointProgress = "/v1/protocol/progress"

	RunningPollInterval = 100 * time.Millisecond
	IdlePollInterval    = time.Second
)

var sleep = bus.Sleep

// APIError is a non-2xx answer from the protocol runner.
type APIError struct {
	Endpoint string
	Code     int
	Reason   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("imaging api %s: %d %s", e.Endpoint, e.Code, e.Reason)
}

// Client talks to the microscope's protocol runner REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) ChangeProtocol(ctx context.Context, name string) error {
	return c.put(ctx, endpointCurrent, map[string]string{"Name": name})
}

func (c *Client) CurrentProtocol(ctx context.Context) (string, error) {
	var body struct{ Name string }
	if err := c.get(ctx, endpointCurrent, &body); err != nil {
		return "", err
	}
	return body.Name, nil
}

// Run selects name, when given, and starts it. It returns as soon as the
// request is accepted; use State or WaitUntilState to follow the run.
func (c *Client) Run(ctx context.Context, name string) error {
	if name != "" {
		if err := c.ChangeProtocol(ctx, name); err != nil {
			return err
		}
	}
	return c.setState(ctx, StateRunning)
}

func (c *Client) Pause(ctx context.Context) error {
	return c.setState(ctx, StatePaused)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.setState(ctx, StateRunning)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.setState(ctx, StateAborted)
}

func (c *Client) State(ctx context.Context) (State, error) {
	var body struct{ State State }
	if err := c.get(ctx, endpointState, &body); err != nil {
		return "", err
	}
	return body.State, nil
}

// CompletionPercentage is the progress of the current or last protocol,
// 0 to 100.
func (c *Client) CompletionPercentage(ctx context.Context) (float64, error) {
	var body struct{ Progress float64 }
	if err := c.get(ctx, endpointProgress, &body); err != nil {
		return 0, err
	}
	pct := body.Progress * 100
	datadog.Gauge("imaging.progress", pct)
	return pct, nil
}

// WaitUntilState polls every interval until the runner reports target.
func (c *Client) WaitUntilState(ctx context.Context, target State, interval time.Duration) error {
	for {
		state, err := c.State(ctx)
		if err != nil {
			return err
		}
		if state == target {
			return nil
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// RunProtocolCompletely starts name and blocks until it has run and the
// runner is idle again.
func (c *Client) RunProtocolCompletely(ctx context.Context, name string) error {
	if err := c.Run(ctx, name); err != nil {
		return err
	}
	if err := c.WaitUntilState(ctx, StateRunning, RunningPollInterval); err != nil {
		return err
	}
	log.Info().Str("protocol", name).Msg("Imaging protocol running")

	if err := c.WaitUntilState(ctx, StateIdle, IdlePollInterval); err != nil {
		return err
	}
	log.Info().Str("protocol", name).Msg("Imaging protocol finished")
	return nil
}

func (c *Client) setState(ctx context.Context, state State) error {
	return c.put(ctx, endpointState, map[string]State{"State": state})
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.do(endpoint, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) put(ctx context.Context, endpoint string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(endpoint, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	log.Debug().Str("endpoint", endpoint).RawJSON("body", data).Msg("Imaging request sent")
	return nil
}

func (c *Client) do(endpoint string, req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imaging api %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &APIError{Endpoint: endpoint, Code: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	}
	return resp, nil
}
