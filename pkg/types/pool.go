package types

// WorkerInfo describes a single live worker handle.
type WorkerInfo struct {
	ID             string `json:"id"`
	PID            int    `json:"pid"`
	TasksProcessed int64  `json:"tasksProcessed"`
	Terminating    bool   `json:"terminating"`
}

// PoolStats is a snapshot of the supervisor pool.
type PoolStats struct {
	Running     bool         `json:"running"`
	PoolSize    int          `json:"poolSize"`
	Live        int          `json:"live"`
	Idle        int          `json:"idle"`
	Terminating int          `json:"terminating"`
	Workers     []WorkerInfo `json:"workers"`
}

// TaskRecord is one entry of the task history journal.
type TaskRecord struct {
	ID         int64  `json:"id"`
	ModuleURL  string `json:"moduleUrl"`
	Status     string `json:"status"` // "ok" or the error name
	DurationMs int64  `json:"durationMs"`
	WorkerID   string `json:"workerId"`
	CreatedAt  string `json:"createdAt"`
}
