package agent

import (
	"sync"
	"time"
)

// WorkerStats tracks one worker's processing counters.
type WorkerStats struct {
	WorkerID       string        `json:"worker_id"`
	Role           string        `json:"role"`
	Received       int           `json:"messages_received"`
	Completed      int           `json:"tasks_completed"`
	Failed         int           `json:"tasks_failed"`
	TotalTime      time.Duration `json:"-"`
	TotalTimeS     float64       `json:"total_time_s"`
	AvgTimeS       float64       `json:"avg_time_s"`
	SuccessRate    float64       `json:"success_rate"`
	LastActivity   time.Time     `json:"last_activity"`
	CurrentTaskID  string        `json:"current_task_id,omitempty"`
}

// statsTracker is the mutable, mutex-protected form held by a worker.
type statsTracker struct {
	mu    sync.Mutex
	stats WorkerStats
}

func newStatsTracker(workerID, role string) *statsTracker {
	return &statsTracker{stats: WorkerStats{WorkerID: workerID, Role: role}}
}

func (t *statsTracker) received(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Received++
	t.stats.CurrentTaskID = taskID
	t.stats.LastActivity = time.Now()
}

func (t *statsTracker) finished(ok bool, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.stats.Completed++
	} else {
		t.stats.Failed++
	}
	t.stats.TotalTime += elapsed
	t.stats.CurrentTaskID = ""
	t.stats.LastActivity = time.Now()
}

// Snapshot returns the stats with derived fields populated.
func (t *statsTracker) Snapshot() WorkerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.TotalTimeS = s.TotalTime.Seconds()
	done := s.Completed + s.Failed
	if done > 0 {
		s.AvgTimeS = s.TotalTime.Seconds() / float64(done)
		s.SuccessRate = float64(s.Completed) / float64(done)
	}
	return s
}
