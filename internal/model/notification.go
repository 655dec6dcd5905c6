package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

type Kind string

const (
	KindDeadline Kind = "deadline"
	KindSingle   Kind = "single"
	KindRepeated Kind = "repeated"
	KindOverdue  Kind = "overdue"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDeadline, KindSingle, KindRepeated, KindOverdue:
		return true
	}
	return false
}

// Status is the per-record status. It only moves scheduled -> sent|cancelled.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
)

func (s Status) Final() bool { return s == StatusSent || s == StatusCancelled }

var ErrInvalidSpec = errors.New("invalid notification spec")

// Spec describes when a notification fires. Implementations: Deadline, Once,
// RelativeToDeadline, Recurring.
type Spec interface {
	Kind() Kind
	Validate() error
	isSpec()
}

// Deadline fires exactly at the task due time.
type Deadline struct{}

// Once fires at an absolute instant.
type Once struct {
	At time.Time
}

// RelativeToDeadline fires Offset before the due time, or after it when After is set.
type RelativeToDeadline struct {
	Offset Offset
	After  bool
}

// Recurring fires at due-StartOffset, then every Interval, up to due+EndOffset when set.
// FixedTimes, when present, replaces interval stepping.
type Recurring struct {
	Interval    Offset
	StartOffset Offset
	EndOffset   *Offset
	FixedTimes  []time.Time
}

func (Deadline) Kind() Kind { return KindDeadline }
func (Once) Kind() Kind     { return KindSingle }
func (r RelativeToDeadline) Kind() Kind {
	if r.After {
		return KindOverdue
	}
	return KindSingle
}
func (Recurring) Kind() Kind { return KindRepeated }

func (Deadline) isSpec()           {}
func (Once) isSpec()               {}
func (RelativeToDeadline) isSpec() {}
func (Recurring) isSpec()          {}

func (Deadline) Validate() error { return nil }

func (o Once) Validate() error {
	if o.At.IsZero() {
		return fmt.Errorf("%w: single notification needs a time", ErrInvalidSpec)
	}
	return nil
}

func (r RelativeToDeadline) Validate() error {
	if err := r.Offset.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if r.Offset.Value < 0 {
		return fmt.Errorf("%w: offset must be >= 0", ErrInvalidSpec)
	}
	return nil
}

func (r Recurring) Validate() error {
	if len(r.FixedTimes) > 0 {
		for _, t := range r.FixedTimes {
			if t.IsZero() {
				return fmt.Errorf("%w: zero fixed time", ErrInvalidSpec)
			}
		}
	} else {
		if err := r.Interval.Validate(); err != nil {
			return fmt.Errorf("%w: interval: %v", ErrInvalidSpec, err)
		}
		if r.Interval.Duration() <= 0 {
			return fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
		}
		if err := r.StartOffset.Validate(); err != nil && !r.StartOffset.IsZero() {
			return fmt.Errorf("%w: start offset: %v", ErrInvalidSpec, err)
		}
	}
	if r.EndOffset != nil {
		if err := r.EndOffset.Validate(); err != nil {
			return fmt.Errorf("%w: end offset: %v", ErrInvalidSpec, err)
		}
	}
	return nil
}

// SortedFixedTimes returns a sorted copy of FixedTimes.
func (r Recurring) SortedFixedTimes() []time.Time {
	out := append([]time.Time(nil), r.FixedTimes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// NotificationRecord is a durable notification intent.
type NotificationRecord struct {
	ID          int64
	TaskID      int64
	Kind        Kind
	Spec        Spec
	Status      Status
	LastFiredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the job key of this record.
func (r NotificationRecord) Key() JobKey { return JobKey{TaskID: r.TaskID, NotificationID: r.ID} }

// Occurrence is one firing of a notification slot.
type Occurrence struct {
	ID             int64
	NotificationID int64 // 0 for the implicit deadline slot
	TaskID         int64
	FiredAt        time.Time
	Recipients     int
	Delivered      int
	Failed         int
}

type specJSON struct {
	Type        string      `json:"type"`
	At          *time.Time  `json:"at,omitempty"`
	Offset      *Offset     `json:"offset,omitempty"`
	After       bool        `json:"after,omitempty"`
	Interval    *Offset     `json:"interval,omitempty"`
	StartOffset *Offset     `json:"start_offset,omitempty"`
	EndOffset   *Offset     `json:"end_offset,omitempty"`
	FixedTimes  []time.Time `json:"fixed_times,omitempty"`
}

const (
	specDeadline = "deadline"
	specOnce     = "once"
	specRelative = "relative"
	specRecur    = "recurring"
)

// MarshalSpec encodes a spec as a discriminated JSON document.
func MarshalSpec(s Spec) ([]byte, error) {
	var w specJSON
	switch v := s.(type) {
	case Deadline:
		w.Type = specDeadline
	case Once:
		at := v.At.UTC()
		w.Type, w.At = specOnce, &at
	case RelativeToDeadline:
		off := v.Offset
		w.Type, w.Offset, w.After = specRelative, &off, v.After
	case Recurring:
		iv, st := v.Interval, v.StartOffset
		w.Type = specRecur
		if !iv.IsZero() {
			w.Interval = &iv
		}
		w.StartOffset = &st
		w.EndOffset = v.EndOffset
		for _, t := range v.FixedTimes {
			w.FixedTimes = append(w.FixedTimes, t.UTC())
		}
	case nil:
		return nil, fmt.Errorf("%w: nil spec", ErrInvalidSpec)
	default:
		return nil, fmt.Errorf("%w: unsupported spec %T", ErrInvalidSpec, s)
	}
	return json.Marshal(w)
}

// UnmarshalSpec decodes a document written by MarshalSpec.
func UnmarshalSpec(b []byte) (Spec, error) {
	var w specJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	switch w.Type {
	case specDeadline:
		return Deadline{}, nil
	case specOnce:
		if w.At == nil {
			return nil, fmt.Errorf("%w: once without at", ErrInvalidSpec)
		}
		return Once{At: *w.At}, nil
	case specRelative:
		if w.Offset == nil {
			return nil, fmt.Errorf("%w: relative without offset", ErrInvalidSpec)
		}
		return RelativeToDeadline{Offset: *w.Offset, After: w.After}, nil
	case specRecur:
		r := Recurring{EndOffset: w.EndOffset, FixedTimes: w.FixedTimes}
		if w.Interval != nil {
			r.Interval = *w.Interval
		}
		if w.StartOffset != nil {
			r.StartOffset = *w.StartOffset
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidSpec, w.Type)
}
