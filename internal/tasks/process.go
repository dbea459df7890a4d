package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/db"
	"github.com/Kocoro-lab/chatflow/internal/formatting"
	"github.com/Kocoro-lab/chatflow/internal/metrics"
	"github.com/Kocoro-lab/chatflow/internal/tracing"
	"github.com/Kocoro-lab/chatflow/internal/workflows"
)

// checkpoint is one progress step reported while processing.
type checkpoint struct {
	progress float64
	message  string
}

var (
	stepStart    = checkpoint{0.1, "Starting async report generation..."}
	stepAnalyze  = checkpoint{0.3, "Analyzing requirements and gathering data..."}
	stepGenerate = checkpoint{0.6, "Generating comprehensive report..."}
	stepFinalize = checkpoint{0.9, "Finalizing report..."}
)

// atLeast keeps a reclaimed task's progress from moving backwards.
func (cp checkpoint) atLeast(progress float64) checkpoint {
	if cp.progress < progress {
		cp.progress = progress
	}
	return cp
}

const msgCompleted = "Async report generation completed successfully"

// errLostOwnership means the task was cancelled or taken over mid-flight.
var errLostOwnership = errors.New("task ownership lost")

// Process claims a queued task, or one whose lease has expired, and runs the report sub-workflow to a terminal
// state. A task that is no longer queued, or that is cancelled while running,
// is left untouched. Failures are recorded on the task; the returned error is
// reserved for store faults.
func (s *Service) Process(ctx context.Context, taskID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "tasks.process", attribute.String("task_id", taskID))
	defer func() { tracing.End(span, err) }()

	task, err := s.store.ClaimTask(ctx, taskID, s.workerID, s.cfg.Lease)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return ErrTaskNotFound
	case errors.Is(err, db.ErrConflict):
		s.logger.Info("Task not claimable, skipping", zap.String("task_id", taskID), zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("failed to claim task: %w", err)
	}

	logger := s.logger.With(zap.String("task_id", taskID), zap.String("worker_id", s.workerID))
	logger.Info("Processing report task")
	start := s.now()
	metrics.WorkflowsStarted.WithLabelValues(workflows.WorkflowReportResearcher, ModeAsync).Inc()

	runErr := s.run(ctx, task)
	switch {
	case runErr == nil:
		metrics.RecordTaskFinished(db.TaskCompleted, s.now().Sub(start).Seconds())
		metrics.RecordWorkflowMetrics(workflows.WorkflowReportResearcher, ModeAsync, db.TaskCompleted, s.now().Sub(start).Seconds())
		logger.Info("Report task completed")
		return nil
	case errors.Is(runErr, errLostOwnership):
		logger.Info("Report task was cancelled or reassigned; result discarded")
		return nil
	}

	logger.Error("Report task failed", zap.Error(runErr))
	message := fmt.Sprintf("Async report generation failed: %v", runErr)
	if err := s.store.FailTask(context.WithoutCancel(ctx), taskID, s.workerID, runErr.Error(), message); err != nil {
		if errors.Is(err, db.ErrNotOwned) {
			return nil
		}
		return fmt.Errorf("failed to record task failure: %w", err)
	}
	metrics.RecordTaskFinished(db.TaskFailed, s.now().Sub(start).Seconds())
	metrics.RecordWorkflowMetrics(workflows.WorkflowReportResearcher, ModeAsync, db.TaskFailed, s.now().Sub(start).Seconds())
	s.publish(taskID, map[string]interface{}{
		"task_id": taskID,
		"status":  db.TaskFailed,
		"message": message,
		"error":   runErr.Error(),
	})
	s.publishEnd(taskID)
	return nil
}

func (s *Service) run(ctx context.Context, task *db.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("report generation panicked: %v", r)
		}
	}()

	// A reclaimed task resumes from the progress its previous worker reached.
	advance := func(cp checkpoint) error {
		return s.step(ctx, task.TaskID, cp.atLeast(task.Progress))
	}

	if err := advance(stepStart); err != nil {
		return err
	}
	history, err := s.history(ctx, task)
	if err != nil {
		return err
	}
	if err := advance(stepAnalyze); err != nil {
		return err
	}
	if err := advance(stepGenerate); err != nil {
		return err
	}

	out := s.report.Run(ctx, workflows.ReportInput{Message: task.Request, History: history})
	if out.Response == "" {
		return errors.New("report workflow returned no content")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := advance(stepFinalize); err != nil {
		return err
	}

	title := formatting.ExtractTitle(out.Response, task.Request)
	msg := &db.Message{
		MessageID:   uuid.New().String(),
		ThreadID:    task.ThreadID,
		Content:     out.Response,
		MessageType: db.MessageTypeText,
		Metadata: db.JSONB{
			"async_task_id":  task.TaskID,
			"workflow_used":  workflows.WorkflowReportResearcher,
			"analysis_type":  out.AnalysisType,
			"response_mode":  ModeAsync,
			"completed_task": true,
			"report_title":   title,
			"original_task": map[string]interface{}{
				"task_id":       task.TaskID,
				"workflow_used": task.WorkflowType,
				"response_mode": ModeAsync,
			},
		},
	}
	if err := s.store.CompleteTask(ctx, task.TaskID, s.workerID, out.Response, msgCompleted, msg); err != nil {
		if errors.Is(err, db.ErrNotOwned) {
			return errLostOwnership
		}
		return fmt.Errorf("failed to complete task: %w", err)
	}
	s.publish(task.TaskID, map[string]interface{}{
		"task_id":       task.TaskID,
		"status":        db.TaskCompleted,
		"progress":      1.0,
		"message":       msgCompleted,
		"report_title":  title,
		"analysis_type": out.AnalysisType,
	})
	s.publishEnd(task.TaskID)
	return nil
}

func (s *Service) step(ctx context.Context, taskID string, cp checkpoint) error {
	if err := s.store.UpdateTaskProgress(ctx, taskID, s.workerID, cp.progress, cp.message); err != nil {
		if errors.Is(err, db.ErrNotOwned) {
			return errLostOwnership
		}
		return fmt.Errorf("failed to update progress: %w", err)
	}
	s.publish(taskID, map[string]interface{}{
		"task_id":  taskID,
		"status":   db.TaskProcessing,
		"progress": cp.progress,
		"message":  cp.message,
	})
	return nil
}
