package router

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/model"
)

var errRemindUsage = errors.New("usage: /remind <task_id> deadline|now|at|before|overdue|every|fixed [args]")

var whenLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"02.01.2006 15:04",
}

// parseWhen accepts RFC3339 or a wall-clock layout read in loc.
func parseWhen(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, l := range whenLayouts {
		if t, err := time.ParseInLocation(l, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot read time %q (use RFC3339 or YYYY-MM-DD HH:MM)", s)
}

// remindRequest is a parsed /remind command. Now marks the "now" kind, which
// has no stored spec of its own.
type remindRequest struct {
	TaskID int64
	Spec   model.Spec
	Now    bool
}

func parseRemind(args []string, loc *time.Location) (remindRequest, error) {
	if loc == nil {
		loc = time.UTC
	}
	if len(args) < 2 {
		return remindRequest{}, errRemindUsage
	}
	id, err := parseID("task id", args[0])
	if err != nil {
		return remindRequest{}, err
	}
	req := remindRequest{TaskID: id}
	rest := strings.Join(args[2:], " ")

	switch strings.ToLower(args[1]) {
	case "deadline":
		req.Spec = model.Deadline{}
	case "now":
		req.Now = true
	case "at":
		at, err := parseWhen(rest, loc)
		if err != nil {
			return req, err
		}
		req.Spec = model.Once{At: at}
	case "before", "overdue", "after":
		off, err := model.ParseOffset(rest)
		if err != nil {
			return req, err
		}
		req.Spec = model.RelativeToDeadline{Offset: off, After: strings.ToLower(args[1]) != "before"}
	case "every":
		spec, err := parseEvery(args[2:])
		if err != nil {
			return req, err
		}
		req.Spec = spec
	case "fixed":
		var times []time.Time
		for _, part := range strings.Split(rest, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			t, err := parseWhen(part, loc)
			if err != nil {
				return req, err
			}
			times = append(times, t)
		}
		if len(times) == 0 {
			return req, errors.New("fixed needs at least one time")
		}
		req.Spec = model.Recurring{FixedTimes: times}
	default:
		return req, errRemindUsage
	}
	if req.Spec != nil {
		if err := req.Spec.Validate(); err != nil {
			return req, err
		}
	}
	return req, nil
}

// parseEvery reads "<n unit> [from <n unit>] [until <n unit>]".
func parseEvery(args []string) (model.Recurring, error) {
	var r model.Recurring
	parts := map[string][]string{}
	cur := "every"
	for _, a := range args {
		switch la := strings.ToLower(a); la {
		case "from", "until":
			if _, dup := parts[la]; dup {
				return r, fmt.Errorf("%q given twice", la)
			}
			cur = la
			parts[cur] = []string{}
		default:
			parts[cur] = append(parts[cur], a)
		}
	}

	iv, err := model.ParseOffset(strings.Join(parts["every"], " "))
	if err != nil {
		return r, fmt.Errorf("interval: %w", err)
	}
	r.Interval = iv
	if v, ok := parts["from"]; ok {
		if r.StartOffset, err = model.ParseOffset(strings.Join(v, " ")); err != nil {
			return r, fmt.Errorf("from: %w", err)
		}
	}
	if v, ok := parts["until"]; ok {
		end, err := model.ParseOffset(strings.Join(v, " "))
		if err != nil {
			return r, fmt.Errorf("until: %w", err)
		}
		r.EndOffset = &end
	}
	return r, nil
}

// describeSpec renders a spec for operator listings.
func describeSpec(s model.Spec, loc *time.Location) string {
	switch v := s.(type) {
	case model.Deadline:
		return "at deadline"
	case model.Once:
		return "at " + v.At.In(loc).Format(listLayout)
	case model.RelativeToDeadline:
		if v.After {
			return v.Offset.String() + " after deadline"
		}
		return v.Offset.String() + " before deadline"
	case model.Recurring:
		if len(v.FixedTimes) > 0 {
			out := make([]string, 0, len(v.FixedTimes))
			for _, t := range v.SortedFixedTimes() {
				out = append(out, t.In(loc).Format(listLayout))
			}
			return "at " + strings.Join(out, ", ")
		}
		d := "every " + v.Interval.String()
		if !v.StartOffset.IsZero() {
			d += " from " + v.StartOffset.String() + " before deadline"
		}
		if v.EndOffset != nil {
			d += " until " + v.EndOffset.String() + " after deadline"
		}
		return d
	}
	return "?"
}

const listLayout = "2006-01-02 15:04"
