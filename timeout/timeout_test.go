package timeout

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func dur(d time.Duration) *time.Duration {
	return &d
}

func Test_At(t *testing.T) {
	now := time.UnixMilli(1_000_000)

	tests := []struct {
		name     string
		override *time.Duration
		def      time.Duration
		want     time.Time
	}{
		{
			name: "default_used_without_override",
			def:  5 * time.Second,
			want: time.UnixMilli(1_005_000),
		},
		{
			name:     "override_wins",
			override: dur(time.Second),
			def:      5 * time.Second,
			want:     time.UnixMilli(1_001_000),
		},
		{
			name:     "zero_override_expires_immediately",
			override: dur(0),
			def:      5 * time.Second,
			want:     now,
		},
		{
			name:     "maximum_override_does_not_clamp",
			override: dur(time.Duration(math.MaxInt64)),
			def:      5 * time.Second,
			want:     time.UnixMilli(1_000_000 + time.Duration(math.MaxInt64).Milliseconds()),
		},
		{
			name:     "negative_result_clamps_to_never",
			override: dur(-2_000_000 * time.Millisecond),
			def:      5 * time.Second,
			want:     Never,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := At(now, tt.override, tt.def)
			require.Equal(t, tt.want.UnixMilli(), got.UnixMilli())
		})
	}
}

func Test_At_PreEpochDeadlineClampsToNever(t *testing.T) {
	// A deadline that lands at or before the epoch is non-positive in Unix
	// milliseconds and maps to the maximum timestamp.
	got := At(time.UnixMilli(-10_000), nil, 5*time.Second)
	require.Equal(t, Never.UnixMilli(), got.UnixMilli())
}

func Test_At_NowNeverNegativeForCurrentTime(t *testing.T) {
	// A plain wait started at the current wall clock must not clamp.
	got := At(time.Now(), nil, time.Minute)
	require.True(t, got.Before(Never))
	require.True(t, got.After(time.Now()))
}
