package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// Client starts, queries and stops the monitor workflow.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
	owned     bool
}

// NewClient dials Temporal.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
		owned:     true,
	}, nil
}

// NewClientFromSDK wraps an existing SDK client, e.g. the one a Worker dialed.
// Close does not close it.
func NewClientFromSDK(c client.Client, taskQueue string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{client: c, taskQueue: taskQueue, logger: logger}
}

// WorkflowID is the ID of the monitor workflow for an address. There is at most
// one running monitor per address.
func WorkflowID(address string) string {
	return "vaultwatch-monitor-" + address
}

// StartMonitor starts the monitor workflow for address. If it is already
// running, the running execution is returned.
func (c *Client) StartMonitor(ctx context.Context, address string, pollInterval time.Duration, cyclesPerRun int) (string, error) {
	id := WorkflowID(address)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"address":    address,
			"created_by": "vaultwatch",
		},
	}, MonitorWorkflow, MonitorInput{
		Address:      address,
		PollInterval: pollInterval,
		CyclesPerRun: cyclesPerRun,
	})
	if err != nil {
		c.logger.Error("failed to start monitor workflow", "workflow_id", id, "error", err)
		return "", fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.Info("monitor workflow running",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"poll_interval", pollInterval,
	)
	return run.GetRunID(), nil
}

// QueryStatus asks the running monitor workflow for its status.
func (c *Client) QueryStatus(ctx context.Context, address string) (*WorkflowStatus, error) {
	id := WorkflowID(address)
	value, err := c.client.QueryWorkflow(ctx, id, "", StatusQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow %q: %w", id, err)
	}
	var status WorkflowStatus
	if err := value.Get(&status); err != nil {
		return nil, fmt.Errorf("failed to decode workflow status: %w", err)
	}
	return &status, nil
}

// StopMonitor cancels the monitor workflow for address.
func (c *Client) StopMonitor(ctx context.Context, address string) error {
	id := WorkflowID(address)
	if err := c.client.CancelWorkflow(ctx, id, ""); err != nil {
		c.logger.Error("failed to cancel monitor workflow", "workflow_id", id, "error", err)
		return fmt.Errorf("failed to cancel workflow %q: %w", id, err)
	}
	c.logger.Info("monitor workflow cancelled", "workflow_id", id)
	return nil
}

// SDKClient returns the underlying Temporal SDK client.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection if this Client dialed it.
func (c *Client) Close() {
	if !c.owned {
		return
	}
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
