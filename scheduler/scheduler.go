// Package scheduler implements deferred and recurring task triggering.
// Tasks live in an in-memory map, persist to graph memory so they
// survive restarts, and fire as new thoughts handed to the reasoning
// layer.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/agentfabric/agentfabric/bus"
	"github.com/agentfabric/agentfabric/core"
)

// TaskStatus is the lifecycle state of a scheduled task
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

// ScheduledTask is one deferred or recurring trigger. Exactly one of
// DeferUntil and ScheduleCron is set.
type ScheduledTask struct {
	TaskID          string      `json:"task_id"`
	Name            string      `json:"name"`
	Goal            string      `json:"goal,omitempty"`
	TriggerPrompt   string      `json:"trigger_prompt"`
	OriginThoughtID string      `json:"origin_thought_id,omitempty"`
	DeferUntil      *time.Time  `json:"defer_until,omitempty"`
	ScheduleCron    string      `json:"schedule_cron,omitempty"`
	Status          TaskStatus  `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty"`
	DeferralCount   int         `json:"deferral_count"`
	DeferralHistory []time.Time `json:"deferral_history,omitempty"`

	schedule cron.Schedule
}

// TriggeredThought is the payload handed to the reasoning layer when a
// task fires
type TriggeredThought struct {
	TriggerPrompt   string `json:"trigger_prompt"`
	ScheduledTaskID string `json:"scheduled_task_id"`
	OriginThoughtID string `json:"origin_thought_id,omitempty"`
}

// ThoughtEmitter receives triggered thoughts. The reasoning layer
// provides the real implementation.
type ThoughtEmitter interface {
	EmitThought(ctx context.Context, thought TriggeredThought) error
}

const taskRecordType = "scheduled_task"

// Scheduler holds the active-task map and drives the tick loop. The
// map is mutated only inside the tick loop or registration calls, both
// under the lock.
type Scheduler struct {
	memory  *bus.MemoryBus
	emitter ThoughtEmitter
	agentID string
	logger  core.Logger

	tickInterval time.Duration
	parser       cron.Parser

	mu    sync.Mutex
	tasks map[string]*ScheduledTask

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates the task scheduler
func NewScheduler(memory *bus.MemoryBus, emitter ThoughtEmitter, agentID string, cfg core.SchedulerConfig, logger core.Logger) *Scheduler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		memory:       memory,
		emitter:      emitter,
		agentID:      agentID,
		logger:       logger,
		tickInterval: tick,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		tasks:        make(map[string]*ScheduledTask),
	}
}

// ScheduleTask registers a new task. Exactly one of deferUntil and
// scheduleCron must be provided. The task persists before return.
func (s *Scheduler) ScheduleTask(ctx context.Context, name, goal, prompt, originThoughtID string, deferUntil *time.Time, scheduleCron string) (*ScheduledTask, error) {
	if (deferUntil == nil) == (scheduleCron == "") {
		return nil, fmt.Errorf("%w: exactly one of defer_until and schedule_cron is required", core.ErrValidation)
	}

	task := &ScheduledTask{
		TaskID:          uuid.NewString(),
		Name:            name,
		Goal:            goal,
		TriggerPrompt:   prompt,
		OriginThoughtID: originThoughtID,
		DeferUntil:      deferUntil,
		ScheduleCron:    scheduleCron,
		Status:          TaskActive,
		CreatedAt:       time.Now().UTC(),
	}
	if scheduleCron != "" {
		schedule, err := s.parser.Parse(scheduleCron)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid cron expression %q: %v", core.ErrValidation, scheduleCron, err)
		}
		task.schedule = schedule
	}

	if err := s.persist(ctx, task); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tasks[task.TaskID] = task
	s.mu.Unlock()

	s.logger.Info("Task scheduled", map[string]interface{}{
		"operation": "schedule_task",
		"task_id":   task.TaskID,
		"name":      name,
		"cron":      scheduleCron,
	})
	return task, nil
}

// CancelTask deactivates a task and persists the status change
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if ok {
		task.Status = TaskCancelled
		delete(s.tasks, taskID)
	}
	s.mu.Unlock()

	if !ok {
		return core.ErrNodeNotFound
	}
	return s.persist(ctx, task)
}

// Defer pushes a one-shot task's trigger time back, recording the
// deferral in the task's history
func (s *Scheduler) Defer(ctx context.Context, taskID string, until time.Time) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return core.ErrNodeNotFound
	}
	if task.DeferUntil == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: cron task %s cannot be deferred", core.ErrValidation, taskID)
	}
	prev := *task.DeferUntil
	task.DeferUntil = &until
	task.DeferralCount++
	task.DeferralHistory = append(task.DeferralHistory, prev)
	snapshot := *task
	s.mu.Unlock()

	return s.persist(ctx, &snapshot)
}

// ActiveTasks returns a snapshot of the active task list
func (s *Scheduler) ActiveTasks() []*ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		copied := *task
		out = append(out, &copied)
	}
	return out
}

// Start rehydrates persisted tasks and launches the tick loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return core.ErrAlreadyStarted
	}

	if err := s.rehydrate(ctx); err != nil {
		s.logger.Warn("Task rehydration failed, starting empty", map[string]interface{}{
			"operation": "scheduler_start",
			"error":     err.Error(),
		})
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(loopCtx)

	s.logger.Info("Scheduler started", map[string]interface{}{
		"operation": "scheduler_start",
		"tasks":     len(s.tasks),
		"tick":      s.tickInterval.String(),
	})
	return nil
}

// Stop halts the tick loop
func (s *Scheduler) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	<-s.done
	s.running = false
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

// tick fires every due task: one-shots are removed after triggering,
// cron tasks stay active with last_triggered_at advanced
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*ScheduledTask
	for _, task := range s.tasks {
		if s.isDue(task, now) {
			due = append(due, task)
		}
	}
	for _, task := range due {
		triggered := now
		task.LastTriggeredAt = &triggered
		if task.DeferUntil != nil {
			task.Status = TaskCompleted
			delete(s.tasks, task.TaskID)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		s.fire(ctx, task)
	}
}

// isDue must be called with the lock held
func (s *Scheduler) isDue(task *ScheduledTask, now time.Time) bool {
	if task.Status != TaskActive {
		return false
	}
	if task.DeferUntil != nil {
		return !now.Before(*task.DeferUntil)
	}
	if task.schedule == nil {
		return false
	}
	minute := now.Truncate(time.Minute)
	if task.LastTriggeredAt != nil && !task.LastTriggeredAt.Truncate(time.Minute).Before(minute) {
		return false
	}
	next := task.schedule.Next(minute.Add(-time.Second))
	return next.Truncate(time.Minute).Equal(minute)
}

func (s *Scheduler) fire(ctx context.Context, task *ScheduledTask) {
	thought := TriggeredThought{
		TriggerPrompt:   task.TriggerPrompt,
		ScheduledTaskID: task.TaskID,
		OriginThoughtID: task.OriginThoughtID,
	}
	if err := s.emitter.EmitThought(ctx, thought); err != nil {
		s.logger.Error("Thought emission failed", map[string]interface{}{
			"operation": "scheduler_fire",
			"task_id":   task.TaskID,
			"error":     err.Error(),
		})
	}
	if err := s.persist(ctx, task); err != nil {
		s.logger.Error("Task persistence failed after trigger", map[string]interface{}{
			"operation": "scheduler_fire",
			"task_id":   task.TaskID,
			"error":     err.Error(),
		})
	}

	s.logger.Debug("Task triggered", map[string]interface{}{
		"operation": "scheduler_fire",
		"task_id":   task.TaskID,
		"name":      task.Name,
		"recurring": task.ScheduleCron != "",
	})
}

// persist writes the task's current state as a config node
func (s *Scheduler) persist(ctx context.Context, task *ScheduledTask) error {
	attrs := map[string]interface{}{
		"record_type":       taskRecordType,
		"task_id":           task.TaskID,
		"name":              task.Name,
		"goal":              task.Goal,
		"trigger_prompt":    task.TriggerPrompt,
		"origin_thought_id": task.OriginThoughtID,
		"status":            string(task.Status),
		"created_at":        task.CreatedAt.Format(time.RFC3339),
		"deferral_count":    task.DeferralCount,
	}
	if task.DeferUntil != nil {
		attrs["defer_until"] = task.DeferUntil.Format(time.RFC3339)
	}
	if task.ScheduleCron != "" {
		attrs["schedule_cron"] = task.ScheduleCron
	}
	if task.LastTriggeredAt != nil {
		attrs["last_triggered_at"] = task.LastTriggeredAt.Format(time.RFC3339)
	}
	if len(task.DeferralHistory) > 0 {
		history := make([]interface{}, len(task.DeferralHistory))
		for i, t := range task.DeferralHistory {
			history[i] = t.Format(time.RFC3339)
		}
		attrs["deferral_history"] = history
	}

	node := &core.GraphNode{
		ID:         fmt.Sprintf("scheduled_task_%s", task.TaskID),
		Kind:       core.NodeKindConfig,
		Scope:      core.ScopeLocal,
		Attributes: attrs,
		Version:    1,
		UpdatedBy:  s.agentID,
		UpdatedAt:  time.Now().UTC(),
	}
	if res := s.memory.Memorize(ctx, s.agentID, node); res.Status != core.StatusOK {
		return fmt.Errorf("task persistence rejected: %s", res.Reason)
	}
	return nil
}

// rehydrate restores active tasks from graph memory on startup
func (s *Scheduler) rehydrate(ctx context.Context) error {
	nodes, err := s.memory.SearchMemories(ctx, s.agentID, taskRecordType, core.ScopeLocal, 0)
	if err != nil {
		return err
	}

	restored := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range nodes {
		task := taskFromNode(node)
		if task == nil || task.Status != TaskActive {
			continue
		}
		if task.ScheduleCron != "" {
			schedule, err := s.parser.Parse(task.ScheduleCron)
			if err != nil {
				s.logger.Warn("Skipping task with invalid cron", map[string]interface{}{
					"operation": "rehydrate",
					"task_id":   task.TaskID,
					"cron":      task.ScheduleCron,
				})
				continue
			}
			task.schedule = schedule
		}
		s.tasks[task.TaskID] = task
		restored++
	}

	s.logger.Info("Tasks rehydrated", map[string]interface{}{
		"operation": "rehydrate",
		"restored":  restored,
	})
	return nil
}

func taskFromNode(node *core.GraphNode) *ScheduledTask {
	attrs := node.Attributes
	if attrs["record_type"] != taskRecordType {
		return nil
	}
	task := &ScheduledTask{}
	if v, ok := attrs["task_id"].(string); ok {
		task.TaskID = v
	}
	if task.TaskID == "" {
		return nil
	}
	if v, ok := attrs["name"].(string); ok {
		task.Name = v
	}
	if v, ok := attrs["goal"].(string); ok {
		task.Goal = v
	}
	if v, ok := attrs["trigger_prompt"].(string); ok {
		task.TriggerPrompt = v
	}
	if v, ok := attrs["origin_thought_id"].(string); ok {
		task.OriginThoughtID = v
	}
	if v, ok := attrs["status"].(string); ok {
		task.Status = TaskStatus(v)
	}
	if v, ok := attrs["schedule_cron"].(string); ok {
		task.ScheduleCron = v
	}
	if v, ok := attrs["defer_until"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			task.DeferUntil = &t
		}
	}
	if v, ok := attrs["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			task.CreatedAt = t
		}
	}
	if v, ok := attrs["last_triggered_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			task.LastTriggeredAt = &t
		}
	}
	switch v := attrs["deferral_count"].(type) {
	case float64:
		task.DeferralCount = int(v)
	case int:
		task.DeferralCount = v
	}
	if history, ok := attrs["deferral_history"].([]interface{}); ok {
		for _, item := range history {
			if sv, ok := item.(string); ok {
				if t, err := time.Parse(time.RFC3339, sv); err == nil {
					task.DeferralHistory = append(task.DeferralHistory, t)
				}
			}
		}
	}
	return task
}
