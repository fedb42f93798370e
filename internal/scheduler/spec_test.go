package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		raw      string
		kind     Kind
		interval time.Duration
		hour     int
		minute   int
	}{
		{raw: "every 30min", kind: KindInterval, interval: 30 * time.Minute},
		{raw: "every 30 min", kind: KindInterval, interval: 30 * time.Minute},
		{raw: "every 2 hours", kind: KindInterval, interval: 2 * time.Hour},
		{raw: "every 1h", kind: KindInterval, interval: time.Hour},
		{raw: "every 45s", kind: KindInterval, interval: 45 * time.Second},
		{raw: "every 60 seconds", kind: KindInterval, interval: time.Minute},
		{raw: "  EVERY 5 Minutes  ", kind: KindInterval, interval: 5 * time.Minute},
		{raw: "daily 10:30", kind: KindDaily, hour: 10, minute: 30},
		{raw: "daily 9", kind: KindDaily, hour: 9},
		{raw: "daily 9pm", kind: KindDaily, hour: 21},
		{raw: "2:15pm", kind: KindDaily, hour: 14, minute: 15},
		{raw: "14:00", kind: KindDaily, hour: 14},
		{raw: "12am", kind: KindDaily, hour: 0},
		{raw: "12:05pm", kind: KindDaily, hour: 12, minute: 5},
		{raw: "7 AM", kind: KindDaily, hour: 7},
		{raw: "once 9am", kind: KindOnce, hour: 9},
		{raw: "at 17:45", kind: KindOnce, hour: 17, minute: 45},
		{raw: "cron 0 9 * * 1-5", kind: KindCron},
		{raw: "cron @hourly", kind: KindCron},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			spec, err := ParseSpec(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, spec.Kind)
			assert.Equal(t, tt.interval, spec.Interval)
			assert.Equal(t, tt.hour, spec.Hour)
			assert.Equal(t, tt.minute, spec.Minute)
		})
	}
}

func TestParseSpec_Invalid(t *testing.T) {
	tests := []string{
		"",
		"tomorrow",
		"every",
		"every 0min",
		"every -5min",
		"every 5 fortnights",
		"every 9999999999 hours",
		"every 99999999999999999 seconds",
		"every min",
		"daily",
		"daily 25:00",
		"daily 10:75",
		"13pm",
		"0am",
		"9",
		"cron not a cron",
		"cron 0 9 * *",
		"once",
	}

	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseSpec(raw)
			require.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestParseSpec_UsageHint(t *testing.T) {
	_, err := ParseSpec("whenever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every 30min")
	assert.Contains(t, err.Error(), "daily 10:30")
}

func TestSpecNext_Interval(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	spec := Spec{Kind: KindInterval, Interval: time.Minute}

	tests := []struct {
		name  string
		after time.Duration
		want  time.Duration
	}{
		{"at anchor", 0, time.Minute},
		{"mid first interval", 30 * time.Second, time.Minute},
		{"exactly on boundary", time.Minute, 2 * time.Minute},
		{"late", 65 * time.Second, 2 * time.Minute},
		{"several intervals late", 130 * time.Second, 3 * time.Minute},
		{"before anchor", -time.Hour, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := spec.Next(anchor, anchor.Add(tt.after))
			assert.Equal(t, anchor.Add(tt.want), got)
		})
	}
}

func TestSpecNext_Calendar(t *testing.T) {
	// Thursday.
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		raw   string
		after time.Time
		want  time.Time
	}{
		{"daily 9:30", base, time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)},
		{"daily 7:00", base, time.Date(2026, 1, 2, 7, 0, 0, 0, time.UTC)},
		{"daily 8:00", base, time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)},
		{"once 11pm", base, time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)},
		{"cron 0 9 * * 1-5", base, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)},
		{"cron 0 9 * * 1-5", base.Add(2 * time.Hour), time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)},
		{"cron 0 9 * * 1", base, time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			spec, err := ParseSpec(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec.Next(base, tt.after))
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "interval", KindInterval.String())
	assert.Equal(t, "daily", KindDaily.String())
	assert.Equal(t, "once", KindOnce.String())
	assert.Equal(t, "cron", KindCron.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
