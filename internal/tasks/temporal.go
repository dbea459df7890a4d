package tasks

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

// Temporal registration names.
const (
	DefaultTaskQueue          = "chatflow-tasks"
	ReportTaskWorkflowName    = "ReportTaskWorkflow"
	ProcessReportTaskActivity = "ProcessReportTask"
)

// ReportTaskInput is the workflow and activity argument.
type ReportTaskInput struct {
	TaskID  string        `json:"task_id"`
	Timeout time.Duration `json:"timeout"`
}

// ReportTaskWorkflow runs one async report task as a single activity. The
// activity is not retried: the task row records the outcome.
func ReportTaskWorkflow(ctx workflow.Context, input ReportTaskInput) error {
	timeout := input.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	logger := workflow.GetLogger(ctx)
	logger.Info("Report task workflow started", "task_id", input.TaskID)
	if err := workflow.ExecuteActivity(ctx, ProcessReportTaskActivity, input).Get(ctx, nil); err != nil {
		logger.Error("Report task activity failed", "task_id", input.TaskID, "error", err)
		return err
	}
	return nil
}

// Activities exposes the task processor to Temporal workers.
type Activities struct {
	processor Processor
}

func NewActivities(processor Processor) *Activities {
	return &Activities{processor: processor}
}

// ProcessReportTask claims and runs the task.
func (a *Activities) ProcessReportTask(ctx context.Context, input ReportTaskInput) error {
	activity.GetLogger(ctx).Info("Processing report task", "task_id", input.TaskID)
	return a.processor.Process(ctx, input.TaskID)
}

// Register adds the workflow and activity to a Temporal worker.
func Register(w worker.Registry, processor Processor) {
	w.RegisterWorkflowWithOptions(ReportTaskWorkflow, workflow.RegisterOptions{Name: ReportTaskWorkflowName})
	w.RegisterActivityWithOptions(NewActivities(processor).ProcessReportTask, activity.RegisterOptions{Name: ProcessReportTaskActivity})
}

// TemporalDispatcher starts one ReportTaskWorkflow per task.
type TemporalDispatcher struct {
	client  client.Client
	queue   string
	timeout time.Duration
	logger  *zap.Logger
}

func NewTemporalDispatcher(c client.Client, queue string, timeout time.Duration, logger *zap.Logger) *TemporalDispatcher {
	if queue == "" {
		queue = DefaultTaskQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemporalDispatcher{client: c, queue: queue, timeout: timeout, logger: logger}
}

// WorkflowID is the deterministic workflow id of a task.
func WorkflowID(taskID string) string { return "report-task-" + taskID }

func (d *TemporalDispatcher) Dispatch(ctx context.Context, taskID string) error {
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(taskID),
		TaskQueue: d.queue,
		Memo:      map[string]interface{}{"task_id": taskID},
	}
	run, err := d.client.ExecuteWorkflow(ctx, opts, ReportTaskWorkflowName, ReportTaskInput{TaskID: taskID, Timeout: d.timeout})
	if err != nil {
		return fmt.Errorf("failed to start report task workflow: %w", err)
	}
	d.logger.Info("Report task workflow started",
		zap.String("task_id", taskID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}
