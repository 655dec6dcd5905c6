package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"remindbot/internal/model"
	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

var ErrNilJob = errors.New("scheduler: nil job")

// Schedule registers job under key to fire at fireAt. An existing
// registration for the same key is replaced.
func (s *Service) Schedule(key model.JobKey, fireAt time.Time, job Job) error {
	return s.Replace(key, fireAt, job)
}

// Replace atomically cancels any registration for key and adds the new one.
// A fireAt in the past fires as soon as the scheduler is running.
func (s *Service) Replace(key model.JobKey, fireAt time.Time, job Job) error {
	if job == nil {
		return ErrNilJob
	}
	s.tmu.Lock()
	defer s.tmu.Unlock()

	replaced := false
	if old, ok := s.jobs[key]; ok {
		if old.timer != nil {
			old.timer.Stop()
		}
		replaced = true
	}
	s.verSeq++
	j := &oneShot{ver: s.verSeq, fireAt: fireAt, armedAt: time.Now(), job: job}
	s.jobs[key] = j
	if s.started {
		s.armLocked(key, j)
	}
	s.log.Debug("job registered",
		logx.String("job", key.String()),
		logx.Time("fire_at", fireAt),
		logx.Bool("replaced", replaced),
	)
	return nil
}

// Cancel removes the registration for key. It reports whether one existed.
func (s *Service) Cancel(key model.JobKey) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return false
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	delete(s.jobs, key)
	s.log.Debug("job cancelled", logx.String("job", key.String()))
	return true
}

// CancelTask removes every registration of a task and returns how many were removed.
func (s *Service) CancelTask(taskID int64) int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	n := 0
	for key, j := range s.jobs {
		if key.TaskID != taskID {
			continue
		}
		if j.timer != nil {
			j.timer.Stop()
		}
		delete(s.jobs, key)
		n++
	}
	return n
}

func (s *Service) Has(key model.JobKey) bool {
	s.tmu.Lock()
	_, ok := s.jobs[key]
	s.tmu.Unlock()
	return ok
}

func (s *Service) Len() int {
	s.tmu.Lock()
	n := len(s.jobs)
	s.tmu.Unlock()
	return n
}

// FireAt returns the registered fire time for key.
func (s *Service) FireAt(key model.JobKey) (time.Time, bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if j, ok := s.jobs[key]; ok {
		return j.fireAt, true
	}
	return time.Time{}, false
}

func (s *Service) jobsSnapshot() []JobInfo {
	s.tmu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for key, j := range s.jobs {
		out = append(out, JobInfo{Key: key, ID: key.String(), FireAt: j.fireAt, ArmedAt: j.armedAt})
	}
	s.tmu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if !out[a].FireAt.Equal(out[b].FireAt) {
			return out[a].FireAt.Before(out[b].FireAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// armLocked starts the timer of j. Call with s.tmu held.
func (s *Service) armLocked(key model.JobKey, j *oneShot) {
	if j.timer != nil {
		j.timer.Stop()
	}
	delay := time.Until(j.fireAt)
	if delay < 0 {
		delay = 0
	}
	ver := j.ver
	j.timer = time.AfterFunc(delay, func() { s.fire(key, ver) })
}

func (s *Service) fire(key model.JobKey, ver uint64) {
	s.tmu.Lock()
	j, ok := s.jobs[key]
	// Replaced, cancelled or stopped since this timer was armed.
	if !ok || j.ver != ver || !s.started {
		s.tmu.Unlock()
		return
	}
	delete(s.jobs, key)
	job := j.job
	s.tmu.Unlock()

	s.mu.Lock()
	timeout, retry := s.cfg.JobTimeout, s.cfg.Retry
	s.mu.Unlock()

	s.submit(engine.Task{
		Name:    key.String(),
		Timeout: timeout,
		Run:     func(ctx context.Context) error { return job(ctx) },
		Opt:     retry,
	})
}

// submit hands t to the engine. A full queue runs it on its own goroutine
// instead of dropping it.
func (s *Service) submit(t engine.Task) {
	if s.engine == nil {
		go func() { _ = t.Run(context.Background()) }()
		return
	}
	err := s.engine.Enqueue(t)
	if errors.Is(err, engine.ErrQueueFull) {
		s.log.Warn("engine queue full; running job detached", logx.String("job", t.Name))
		s.engine.RunDetached(t)
		return
	}
	if err != nil {
		s.reportEnqueueError(t.Name, err)
	}
}
