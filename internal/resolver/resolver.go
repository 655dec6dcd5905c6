// Package resolver turns notification specs into concrete fire times.
//
// All functions are pure: the current time is passed in.
package resolver

import (
	"errors"
	"fmt"
	"time"

	"remindbot/internal/model"
)

// ErrUnresolvableSpec means the spec cannot produce a fire time yet, usually
// because the task has no due time. Callers keep the record scheduled.
var ErrUnresolvableSpec = errors.New("unresolvable notification spec")

// First returns the first fire time of spec. ok is false when the spec has
// nothing left to fire.
func First(spec model.Spec, task model.Task, now time.Time) (time.Time, bool, error) {
	return Next(spec, task, nil, now)
}

// Next returns the fire time following after (nil for the first one).
//
// Past instants are returned as-is for the first resolution so the scheduler
// fires them immediately. For recurring specs, stepping after a fire skips
// every grid point at or before max(after, now).
func Next(spec model.Spec, task model.Task, after *time.Time, now time.Time) (time.Time, bool, error) {
	switch s := spec.(type) {
	case model.Deadline:
		if !task.HasDue() {
			return time.Time{}, false, fmt.Errorf("%w: task %d has no due time", ErrUnresolvableSpec, task.ID)
		}
		if after != nil {
			return time.Time{}, false, nil
		}
		return *task.DueAt, true, nil

	case model.Once:
		if after != nil {
			return time.Time{}, false, nil
		}
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("%w: missing time", ErrUnresolvableSpec)
		}
		return s.At, true, nil

	case model.RelativeToDeadline:
		if !task.HasDue() {
			return time.Time{}, false, fmt.Errorf("%w: task %d has no due time", ErrUnresolvableSpec, task.ID)
		}
		if after != nil {
			return time.Time{}, false, nil
		}
		d := s.Offset.Duration()
		if s.After {
			return task.DueAt.Add(d), true, nil
		}
		return task.DueAt.Add(-d), true, nil

	case model.Recurring:
		if len(s.FixedTimes) > 0 {
			return nextFixed(s, task, after, now)
		}
		return nextInterval(s, task, after, now)
	}
	return time.Time{}, false, fmt.Errorf("%w: unsupported spec %T", ErrUnresolvableSpec, spec)
}

// Missed reports the first recurring occurrence after lastFired that is
// already due at now. Restart code fires it once instead of skipping it.
func Missed(spec model.Spec, task model.Task, lastFired *time.Time, now time.Time) (time.Time, bool) {
	if lastFired == nil {
		return time.Time{}, false
	}
	if _, ok := spec.(model.Recurring); !ok {
		return time.Time{}, false
	}
	t, ok, err := Next(spec, task, lastFired, *lastFired)
	if err != nil || !ok || t.After(now) {
		return time.Time{}, false
	}
	return t, true
}

func upperBound(s model.Recurring, task model.Task) (*time.Time, error) {
	if s.EndOffset == nil {
		return nil, nil
	}
	if !task.HasDue() {
		return nil, fmt.Errorf("%w: task %d has no due time for end bound", ErrUnresolvableSpec, task.ID)
	}
	b := task.DueAt.Add(s.EndOffset.Duration())
	return &b, nil
}

func nextInterval(s model.Recurring, task model.Task, after *time.Time, now time.Time) (time.Time, bool, error) {
	if !task.HasDue() {
		return time.Time{}, false, fmt.Errorf("%w: task %d has no due time", ErrUnresolvableSpec, task.ID)
	}
	step := s.Interval.Duration()
	if step <= 0 {
		return time.Time{}, false, fmt.Errorf("%w: interval must be > 0", ErrUnresolvableSpec)
	}
	bound, err := upperBound(s, task)
	if err != nil {
		return time.Time{}, false, err
	}

	first := task.DueAt.Add(-s.StartOffset.Duration())
	next := first
	if after != nil {
		cursor := *after
		if now.After(cursor) {
			cursor = now
		}
		if !cursor.Before(first) {
			k := cursor.Sub(first)/step + 1
			next = first.Add(k * step)
		}
	}
	if bound != nil && next.After(*bound) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

func nextFixed(s model.Recurring, task model.Task, after *time.Time, now time.Time) (time.Time, bool, error) {
	bound, err := upperBound(s, task)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, t := range s.SortedFixedTimes() {
		if after != nil {
			if !t.After(*after) || !t.After(now) {
				continue
			}
		} else if t.Before(now) {
			continue
		}
		if bound != nil && t.After(*bound) {
			return time.Time{}, false, nil
		}
		return t, true, nil
	}
	return time.Time{}, false, nil
}

// Occurrences lists up to limit upcoming fire times, starting from the first.
// It is meant for previews; unbounded specs are cut at limit.
func Occurrences(spec model.Spec, task model.Task, now time.Time, limit int) ([]time.Time, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]time.Time, 0, limit)
	var after *time.Time
	for len(out) < limit {
		t, ok, err := Next(spec, task, after, now)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, t)
		tt := t
		after = &tt
	}
	return out, nil
}
