package metatask

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNextFixedRate(t *testing.T) {
	s := FixedRate(time.Minute)

	next, ok := s.Next(t0, t0.Add(2*time.Second))
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), next)

	// the body overran two boundaries; they are skipped, not replayed
	next, ok = s.Next(t0, t0.Add(150*time.Second))
	require.True(t, ok)
	assert.Equal(t, t0.Add(3*time.Minute), next)

	next, ok = s.Next(t0, t0.Add(2*time.Minute))
	require.True(t, ok)
	assert.Equal(t, t0.Add(3*time.Minute), next)
}

func TestNextFixedDelay(t *testing.T) {
	s := FixedDelay(30 * time.Second)
	next, ok := s.Next(t0, t0.Add(10*time.Second))
	require.True(t, ok)
	assert.Equal(t, t0.Add(40*time.Second), next)
}

func TestNextCron(t *testing.T) {
	s, err := Cron("*/15 * * * *")
	require.NoError(t, err)

	next, ok := s.Next(t0, t0.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, t0.Add(15*time.Minute), next)

	next, ok = s.Next(t0, t0.Add(20*time.Minute))
	require.True(t, ok)
	assert.Equal(t, t0.Add(30*time.Minute), next)

	withSeconds, err := Cron("30 * * * * *")
	require.NoError(t, err)
	next, ok = withSeconds.Next(t0, t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(30*time.Second), next)

	_, err = Cron("not a cron")
	assert.Error(t, err)
}

func TestNextOnceAndBrokenSchedules(t *testing.T) {
	_, ok := Once().Next(t0, t0)
	assert.False(t, ok)
	_, ok = FixedRate(0).Next(t0, t0)
	assert.False(t, ok)
	_, ok = FixedDelay(-time.Second).Next(t0, t0)
	assert.False(t, ok)
	_, ok = Schedule{Kind: KindCron}.Next(t0, t0)
	assert.False(t, ok)
}

func TestForPlan(t *testing.T) {
	tests := []struct {
		typ     types.ScheduleType
		conf    string
		kind    Kind
		wantErr bool
	}{
		{types.ScheduleFixedRate, "60s", KindFixedRate, false},
		{types.ScheduleFixedInterval, "5m", KindFixedDelay, false},
		{types.ScheduleCron, "0 2 * * *", KindCron, false},
		{types.ScheduleDelayed, "10m", KindOnce, false},
		{types.ScheduleFixedRate, "0s", "", true},
		{types.ScheduleFixedRate, "soon", "", true},
		{types.ScheduleCron, "61 * * * *", "", true},
		{"HOURLY", "", "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+tt.conf, func(t *testing.T) {
			s, err := ForPlan(tt.typ, tt.conf)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, s.Kind)
		})
	}

	_, err := ForPlan(types.ScheduleNone, "")
	assert.ErrorIs(t, err, ErrNotSchedulable)
}

func TestFirstTrigger(t *testing.T) {
	at, err := FirstTrigger(types.ScheduleFixedRate, "60s", t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), at)

	at, err = FirstTrigger(types.ScheduleDelayed, "10m", t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Minute), at)

	at, err = FirstTrigger(types.ScheduleCron, "0 13 * * *", t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), at)

	_, err = FirstTrigger(types.ScheduleNone, "", t0)
	assert.ErrorIs(t, err, ErrNotSchedulable)
}
