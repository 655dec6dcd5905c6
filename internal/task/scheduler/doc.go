// Package scheduler owns the in-memory timer registry.
//
// One-shot jobs are keyed by model.JobKey and armed with time.AfterFunc; a
// per-key version makes stale callbacks harmless after Replace or Cancel.
// Periodic housekeeping uses robfig/cron. Nothing runs on the timer
// goroutine: fired work is handed to the task engine.
package scheduler
