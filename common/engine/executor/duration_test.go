package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"PT5S", 5 * time.Second},
		{"PT1.5S", 1500 * time.Millisecond},
		{"PT2M", 2 * time.Minute},
		{"PT1H30M", 90 * time.Minute},
		{"P1D", 24 * time.Hour},
		{"P1DT2H", 26 * time.Hour},
		{"P1W", 7 * 24 * time.Hour},
		{"P1M", 30 * 24 * time.Hour},
		{"P1Y", 365 * 24 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseISODuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseISODurationRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "P", "5s", "PT", "T5S", "five seconds"} {
		_, err := ParseISODuration(in)
		assert.Error(t, err, in)
	}
}

func TestCapDuration(t *testing.T) {
	assert.Equal(t, 10*time.Second, CapDuration(time.Hour, 10*time.Second))
	assert.Equal(t, 5*time.Second, CapDuration(5*time.Second, 10*time.Second))
	assert.Equal(t, time.Hour, CapDuration(time.Hour, 0))
}
