// Package sandbox names the execution collaborator. Approved intents are
// handed to it with explicit resource limits; the engine consumes the outcome
// classification, it never runs workloads itself.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vorion/engine/config"
	"github.com/vorion/engine/intent"
)

type (
	// Outcome classifies how an execution ended.
	Outcome string

	// Limits are the resource bounds handed to the runtime.
	Limits struct {
		// MaxMemoryMB caps resident memory.
		MaxMemoryMB int `json:"max_memory_mb"`
		// MaxCPUPercent caps CPU share.
		MaxCPUPercent int `json:"max_cpu_percent"`
		// Timeout caps wall time.
		Timeout time.Duration `json:"-"`
		// TimeoutMs is the wire form of Timeout.
		TimeoutMs int64 `json:"timeout_ms"`
	}

	// Result is the runtime's report for one execution.
	Result struct {
		// Outcome is the classification.
		Outcome Outcome `json:"outcome"`
		// Message carries the runtime's failure or block reason.
		Message string `json:"message,omitempty"`
		// DurationMs is execution wall time.
		DurationMs int64 `json:"duration_ms"`
		// MemoryPeakMB is the peak memory observed, zero when unreported.
		MemoryPeakMB int `json:"memory_peak_mb,omitempty"`
	}

	// Runner executes an approved intent under limits.
	Runner interface {
		Execute(ctx context.Context, in *intent.Intent, limits Limits) (*Result, error)
	}

	// Client is the HTTP Runner implementation.
	Client struct {
		base string
		http *http.Client
	}
)

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
	OutcomeBlocked Outcome = "blocked"
)

// LimitsFromConfig derives the default execution limits.
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		MaxCPUPercent: cfg.Sandbox.MaxCPUPercent,
		Timeout:       cfg.Sandbox.Timeout,
		TimeoutMs:     cfg.Sandbox.Timeout.Milliseconds(),
	}
}

// NewClient builds the HTTP sandbox client. The HTTP timeout is the limit
// timeout plus a margin so the runtime, not the transport, decides timeouts.
func NewClient(base string, limitTimeout time.Duration) *Client {
	if limitTimeout <= 0 {
		limitTimeout = 60 * time.Second
	}
	return &Client{base: base, http: &http.Client{Timeout: limitTimeout + 10*time.Second}}
}

// Execute implements Runner over HTTP: POST {base}/executions with the intent
// and limits; the runtime's own classification is trusted when present, and
// transport timeouts classify as timeout.
func (c *Client) Execute(ctx context.Context, in *intent.Intent, limits Limits) (*Result, error) {
	limits.TimeoutMs = limits.Timeout.Milliseconds()
	body, err := json.Marshal(map[string]any{
		"intent_id": in.ID,
		"tenant_id": in.TenantID,
		"entity_id": in.EntityID,
		"goal":      in.Goal,
		"context":   in.Context,
		"limits":    limits,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal execution request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/executions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Result{Outcome: OutcomeTimeout, Message: "execution deadline exceeded", DurationMs: time.Since(start).Milliseconds()}, nil
		}
		return nil, fmt.Errorf("execute intent %s: %w", in.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var res Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, fmt.Errorf("decode execution response: %w", err)
		}
		if res.Outcome == "" {
			res.Outcome = OutcomeSuccess
		}
		if res.DurationMs == 0 {
			res.DurationMs = time.Since(start).Milliseconds()
		}
		return &res, nil
	case resp.StatusCode == http.StatusForbidden:
		return &Result{Outcome: OutcomeBlocked, Message: "runtime refused execution", DurationMs: time.Since(start).Milliseconds()}, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusGatewayTimeout:
		return &Result{Outcome: OutcomeTimeout, Message: "runtime reported timeout", DurationMs: time.Since(start).Milliseconds()}, nil
	default:
		return nil, fmt.Errorf("execute intent %s: unexpected status %d", in.ID, resp.StatusCode)
	}
}
