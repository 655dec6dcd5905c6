package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Unit string

const (
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
	UnitDays    Unit = "days"
	UnitWeeks   Unit = "weeks"
	UnitMonths  Unit = "months"
)

// month is a flat 30 days; there is no calendar arithmetic.
const month = 30 * 24 * time.Hour

var ErrInvalidOffset = errors.New("invalid offset")

// Offset is a signed amount of a unit, e.g. 3 days.
type Offset struct {
	Value int  `json:"value"`
	Unit  Unit `json:"unit"`
}

func (o Offset) Duration() time.Duration {
	v := time.Duration(o.Value)
	switch o.Unit {
	case UnitMinutes:
		return v * time.Minute
	case UnitHours:
		return v * time.Hour
	case UnitDays:
		return v * 24 * time.Hour
	case UnitWeeks:
		return v * 7 * 24 * time.Hour
	case UnitMonths:
		return v * month
	}
	return 0
}

func (o Offset) IsZero() bool { return o.Value == 0 }

func (o Offset) String() string { return strconv.Itoa(o.Value) + " " + string(o.Unit) }

func (o Offset) Validate() error {
	if _, ok := normalizeUnit(string(o.Unit)); !ok {
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidOffset, o.Unit)
	}
	return nil
}

func (o *Offset) UnmarshalJSON(b []byte) error {
	// accept both {"value":3,"unit":"days"} and "3 days"
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		p, err := ParseOffset(s)
		if err != nil {
			return err
		}
		*o = p
		return nil
	}
	type raw Offset
	var r raw
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	if r.Value == 0 && r.Unit == "" {
		*o = Offset{}
		return nil
	}
	u, ok := normalizeUnit(string(r.Unit))
	if !ok {
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidOffset, r.Unit)
	}
	*o = Offset{Value: r.Value, Unit: u}
	return nil
}

// ParseOffset parses "90 minutes", "2 hours", "1d", "3 weeks", "1 month".
func ParseOffset(s string) (Offset, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return Offset{}, fmt.Errorf("%w: empty", ErrInvalidOffset)
	}
	var num, unit string
	if f := strings.Fields(s); len(f) == 2 {
		num, unit = f[0], f[1]
	} else if len(f) == 1 {
		i := 0
		if i < len(s) && (s[i] == '-' || s[i] == '+') {
			i++
		}
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		num, unit = s[:i], s[i:]
	} else {
		return Offset{}, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
	}
	v, err := strconv.Atoi(num)
	if err != nil {
		return Offset{}, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
	}
	u, ok := normalizeUnit(unit)
	if !ok {
		return Offset{}, fmt.Errorf("%w: unknown unit in %q", ErrInvalidOffset, s)
	}
	return Offset{Value: v, Unit: u}, nil
}

func normalizeUnit(s string) (Unit, bool) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "m", "min", "mins", "minute", "minutes":
		return UnitMinutes, true
	case "h", "hr", "hrs", "hour", "hours":
		return UnitHours, true
	case "d", "day", "days":
		return UnitDays, true
	case "w", "week", "weeks":
		return UnitWeeks, true
	case "mo", "month", "months":
		return UnitMonths, true
	}
	return "", false
}
