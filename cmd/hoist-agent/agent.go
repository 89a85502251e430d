package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hoistci/hoist/pkg/models"
	"github.com/hoistci/hoist/pkg/web"
)

// Config holds agent wiring.
type Config struct {
	ServerURL         string
	Labels            []string
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	WorkDir           string
}

// errLeaseReclaimed means the server reclaimed our lease; the agent must
// register again before doing anything else.
var errLeaseReclaimed = errors.New("lease reclaimed by server")

// Agent registers with the server, keeps its lease alive and executes
// assigned job executions one at a time.
type Agent struct {
	logger *slog.Logger
	config Config
	client *http.Client

	// mu guards workerID: the heartbeat goroutine reads it while Run
	// rewrites it on re-registration after a lease reclaim.
	mu       sync.Mutex
	workerID string

	// cancelRequested carries the cooperative cancel flag from heartbeat
	// responses to the executor, which checks it at step boundaries.
	cancelRequested atomic.Bool
}

func NewAgent(logger *slog.Logger, config Config) *Agent {
	return &Agent{
		logger: logger,
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Run registers and loops until the context is cancelled. A reclaimed
// lease triggers re-registration rather than exit.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	go a.heartbeatLoop(heartbeatCtx)

	executor := NewExecutor(a.logger, a.config.WorkDir)

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.deregister()

			return nil
		case <-ticker.C:
		}

		execution, err := a.pollAssignment(ctx)
		if err != nil {
			if errors.Is(err, errLeaseReclaimed) {
				if err := a.register(ctx); err != nil {
					return fmt.Errorf("failed to re-register: %w", err)
				}

				continue
			}

			a.logger.WarnContext(ctx, "Assignment poll failed", "error", err)

			continue
		}

		if execution == nil {
			continue
		}

		a.logger.InfoContext(ctx, "Executing assignment",
			"execution_id", execution.ID, "job_id", execution.JobID)

		a.cancelRequested.Store(false)

		result := executor.Execute(ctx, execution, a.cancelRequested.Load)

		if result.Succeeded {
			result.ProducedArtifacts = a.uploadArtifacts(ctx, execution)
		}

		if err := a.reportResult(ctx, execution.ID, result); err != nil {
			a.logger.ErrorContext(ctx, "Failed to report result",
				"execution_id", execution.ID, "error", err)
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	req := web.RegisterWorkerRequest{
		Labels:               a.config.Labels,
		LeaseDurationSeconds: int(a.config.LeaseDuration.Seconds()),
	}

	var worker models.Worker

	status, err := a.postJSON(ctx, "/workers", req, &worker)
	if err != nil {
		return err
	}

	if status != http.StatusCreated {
		return fmt.Errorf("unexpected registration status: %d", status)
	}

	a.mu.Lock()
	a.workerID = worker.ID
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "Registered", "worker_id", worker.ID, "labels", a.config.Labels)

	return nil
}

func (a *Agent) currentWorkerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.workerID
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var resp web.HeartbeatResponse

		status, err := a.postJSON(ctx, "/workers/"+a.currentWorkerID()+"/heartbeat", nil, &resp)
		if err != nil {
			a.logger.WarnContext(ctx, "Heartbeat failed", "error", err)

			continue
		}

		if status == http.StatusGone {
			a.logger.WarnContext(ctx, "Lease reclaimed, heartbeats stop until re-registration")

			continue
		}

		if resp.CancelRequested {
			a.cancelRequested.Store(true)
		}
	}
}

// pollAssignment returns nil without error when the worker is idle.
func (a *Agent) pollAssignment(ctx context.Context) (*models.JobExecution, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.config.ServerURL+"/workers/"+a.currentWorkerID()+"/assignment", nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusGone, http.StatusNotFound:
		return nil, errLeaseReclaimed
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("unexpected assignment status: %d", resp.StatusCode)
	}

	var execution models.JobExecution
	if err := json.NewDecoder(resp.Body).Decode(&execution); err != nil {
		return nil, fmt.Errorf("failed to decode assignment: %w", err)
	}

	return &execution, nil
}

func (a *Agent) reportResult(ctx context.Context, executionID string, result Result) error {
	status := "failed"

	switch {
	case result.Succeeded:
		status = "succeeded"
	case result.Cancelled:
		status = "cancelled"
	}

	req := web.ReportResultRequest{
		ExecutionID:       executionID,
		Status:            status,
		ErrorMessage:      result.ErrorMessage,
		ProducedArtifacts: result.ProducedArtifacts,
	}

	code, err := a.postJSON(ctx, "/workers/"+a.currentWorkerID()+"/result", req, nil)
	if err != nil {
		return err
	}

	if code != http.StatusOK {
		return fmt.Errorf("unexpected result status: %d", code)
	}

	return nil
}

func (a *Agent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		a.config.ServerURL+"/workers/"+a.currentWorkerID(), nil)
	if err != nil {
		return
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("Deregistration failed", "error", err)

		return
	}

	_ = resp.Body.Close()
}

func (a *Agent) postJSON(ctx context.Context, path string, body any, out any) (int, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.ServerURL+path, reader)
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}
