package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffset(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Offset
		dur  time.Duration
	}{
		{raw: "60 minutes", want: Offset{60, UnitMinutes}, dur: time.Hour},
		{raw: "2 hours", want: Offset{2, UnitHours}, dur: 2 * time.Hour},
		{raw: "3 days", want: Offset{3, UnitDays}, dur: 72 * time.Hour},
		{raw: "1w", want: Offset{1, UnitWeeks}, dur: 7 * 24 * time.Hour},
		{raw: "1 month", want: Offset{1, UnitMonths}, dur: 30 * 24 * time.Hour},
		{raw: "90m", want: Offset{90, UnitMinutes}, dur: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseOffset(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.dur, got.Duration())
		})
	}
}

func TestParseOffsetInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "days", "3 fortnights", "a b c"} {
		_, err := ParseOffset(raw)
		assert.ErrorIs(t, err, ErrInvalidOffset, raw)
	}
}

func TestOffsetUnmarshalAcceptsString(t *testing.T) {
	t.Parallel()
	var o Offset
	require.NoError(t, json.Unmarshal([]byte(`"3 days"`), &o))
	assert.Equal(t, Offset{3, UnitDays}, o)

	require.NoError(t, json.Unmarshal([]byte(`{"value":2,"unit":"h"}`), &o))
	assert.Equal(t, Offset{2, UnitHours}, o)

	assert.Error(t, json.Unmarshal([]byte(`{"value":2,"unit":"parsec"}`), &o))
}

func TestJobKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "task:12:notification:deadline", DeadlineKey(12).String())
	assert.Equal(t, "task:12:notification:5", JobKey{TaskID: 12, NotificationID: 5}.String())

	k, err := ParseJobKey("task:12:notification:5")
	require.NoError(t, err)
	assert.Equal(t, JobKey{TaskID: 12, NotificationID: 5}, k)

	k, err = ParseJobKey("task:3:notification:deadline")
	require.NoError(t, err)
	assert.True(t, k.IsDeadline())

	_, err = ParseJobKey("task_3_notification_deadline")
	assert.Error(t, err)
}

func TestSpecEncoding(t *testing.T) {
	t.Parallel()
	end := Offset{3, UnitDays}
	in := Recurring{
		Interval:    Offset{1, UnitDays},
		StartOffset: Offset{0, UnitDays},
		EndOffset:   &end,
	}
	b, err := MarshalSpec(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"recurring","interval":{"value":1,"unit":"days"},"start_offset":{"value":0,"unit":"days"},"end_offset":{"value":3,"unit":"days"}}`, string(b))

	out, err := UnmarshalSpec(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, KindRepeated, out.Kind())

	_, err = UnmarshalSpec([]byte(`{"type":"weekly"}`))
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestSpecKinds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, KindDeadline, Deadline{}.Kind())
	assert.Equal(t, KindSingle, Once{}.Kind())
	assert.Equal(t, KindSingle, RelativeToDeadline{}.Kind())
	assert.Equal(t, KindOverdue, RelativeToDeadline{After: true}.Kind())
}

func TestSpecValidate(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, Once{}.Validate(), ErrInvalidSpec)
	assert.ErrorIs(t, Recurring{}.Validate(), ErrInvalidSpec)
	assert.ErrorIs(t, RelativeToDeadline{Offset: Offset{-1, UnitHours}}.Validate(), ErrInvalidSpec)
	assert.NoError(t, Recurring{Interval: Offset{2, UnitHours}}.Validate())
	assert.NoError(t, Recurring{FixedTimes: []time.Time{time.Now()}}.Validate())
}
