package persistence

// RetentionResult holds counts of purged records from a retention run.
// The sweeper fills it table by table; a skipped table reports zero.
type RetentionResult struct {
	PurgedTasks   int64 `json:"purged_tasks"`
	PurgedThreads int64 `json:"purged_threads"`
}
