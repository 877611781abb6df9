package wizard

import (
	"context"
	"encoding/json"
	"errors"

	"LexTrack/internal/monitor"
	"LexTrack/internal/task"
)

// TaskField is the payload field that holds the bound task.
const TaskField = "task"

// Tracker starts task observation
type Tracker interface {
	Track(ctx context.Context, taskID, token string, cb monitor.Callbacks) *monitor.Handle
}

// TaskState is the task record kept in the payload
type TaskState struct {
	ID       string
	Status   task.Status
	Progress float64
	Stage    string
	Result   any
	Error    string
}

// TaskStateOf reads the bound task from a payload.
func TaskStateOf(data map[string]any) (TaskState, bool) {
	raw, ok := data[TaskField].(map[string]any)
	if !ok {
		return TaskState{}, false
	}
	id, _ := raw["id"].(string)
	if id == "" {
		return TaskState{}, false
	}
	st := TaskState{ID: id, Result: raw["result"]}
	if s, ok := raw["status"].(string); ok {
		st.Status = task.Status(s)
	}
	st.Progress, _ = raw["progress"].(float64)
	st.Stage, _ = raw["stage"].(string)
	st.Error, _ = raw["error"].(string)
	return st, true
}

func (s TaskState) record() map[string]any {
	rec := map[string]any{
		"id":       s.ID,
		"status":   string(s.Status),
		"progress": s.Progress,
	}
	if s.Stage != "" {
		rec["stage"] = s.Stage
	}
	if s.Result != nil {
		rec["result"] = s.Result
	}
	if s.Error != "" {
		rec["error"] = s.Error
	}
	return rec
}

// TaskSucceeded is a precondition for steps that need a completed task.
func TaskSucceeded(data map[string]any) bool {
	st, ok := TaskStateOf(data)
	return ok && st.Status == task.StatusCompleted
}

// AttachTask binds taskID to the wizard and starts tracking it. Progress is
// written through the debounced payload path; the terminal outcome is saved
// immediately. cb receives every event after the payload is updated.
func (w *Controller) AttachTask(ctx context.Context, tracker Tracker, taskID, token string, cb monitor.Callbacks) *monitor.Handle {
	w.UpdatePayload(map[string]any{
		TaskField: TaskState{ID: taskID, Status: task.StatusPending}.record(),
	})
	w.Flush()
	return w.track(ctx, tracker, taskID, token, cb)
}

// ResumeTask re-tracks a restored task that had not finished. It reports
// false when no unfinished task is bound.
func (w *Controller) ResumeTask(ctx context.Context, tracker Tracker, token string, cb monitor.Callbacks) (*monitor.Handle, bool) {
	st, ok := TaskStateOf(w.Data())
	if !ok || st.Status.Terminal() {
		return nil, false
	}
	w.logger.Info("resuming task", "task_id", st.ID, "progress", st.Progress)
	return w.track(ctx, tracker, st.ID, token, cb), true
}

func (w *Controller) track(ctx context.Context, tracker Tracker, taskID, token string, cb monitor.Callbacks) *monitor.Handle {
	forward := cb
	forward.OnProgress = func(t task.Task) {
		w.setTask(TaskState{ID: taskID, Status: t.Status, Progress: t.ProgressPercent, Stage: t.Stage()}, false)
		if cb.OnProgress != nil {
			cb.OnProgress(t)
		}
	}
	forward.OnCompleted = func(result json.RawMessage) {
		var decoded any
		if len(result) > 0 {
			if err := json.Unmarshal(result, &decoded); err != nil {
				w.logger.Warn("task result is not JSON, keeping raw text", "task_id", taskID, "error", err)
				decoded = string(result)
			}
		}
		w.setTask(TaskState{ID: taskID, Status: task.StatusCompleted, Progress: 100, Result: decoded}, true)
		if cb.OnCompleted != nil {
			cb.OnCompleted(result)
		}
	}
	forward.OnFailed = func(err error) {
		st := TaskState{ID: taskID, Status: task.StatusFailed, Error: err.Error()}
		var failure *task.Failure
		if errors.As(err, &failure) {
			st.Status = failure.Status
			st.Error = failure.Message
		}
		w.setTask(st, true)
		if cb.OnFailed != nil {
			cb.OnFailed(err)
		}
	}
	return tracker.Track(ctx, taskID, token, forward)
}

func (w *Controller) setTask(st TaskState, flush bool) {
	w.UpdatePayload(map[string]any{TaskField: st.record()})
	if flush {
		w.Flush()
	}
}
