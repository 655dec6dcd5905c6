package scheduler

import "time"

// Snapshot returns the live one-shot jobs ordered by fire time, the cron
// entries and the engine state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	running := s.c != nil
	crons := make([]CronInfo, 0, len(s.defs))
	for _, d := range s.defs {
		ci := CronInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, RetryMax: d.opt.RetryMax}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			ci.Next, ci.Prev = e.Next, e.Prev
		}
		crons = append(crons, ci)
	}
	eng := s.engine
	s.mu.Unlock()

	snap := Snapshot{
		Running:  running,
		Timezone: loc.String(),
		Jobs:     s.jobsSnapshot(),
		Crons:    crons,
	}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}

// NextFire returns the earliest registered fire time.
func (snap Snapshot) NextFire() (time.Time, bool) {
	if len(snap.Jobs) == 0 {
		return time.Time{}, false
	}
	return snap.Jobs[0].FireAt, true
}
