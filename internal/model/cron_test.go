package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keygrind/keygrind/internal/model"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		then     time.Duration
		fail     bool
	}{
		{"every_15_minutes", "*/15 * * * *", 15 * time.Minute, false},
		{"macro_hourly", "@hourly", time.Hour, false},
		{"macro_every", "@every 5m", 5 * time.Minute, false},
		{"empty", "", 0, true},
		{"invalid_token", "70 * * * *", 0, true},
		{"too_few_fields", "* * *", 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseCron(tc.given)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		then     time.Duration
		fail     bool
	}{
		{"hour", "PT1H", time.Hour, false},
		{"day", "P1D", 24 * time.Hour, false},
		{"hour_minute", "PT1H30M", 90 * time.Minute, false},
		{"fraction_second", "PT0.5S", 500 * time.Millisecond, false},
		{"comma_fraction", "PT0,5S", 500 * time.Millisecond, false},
		{"day_and_time", "P1DT2H", 26 * time.Hour, false},
		{"empty", "", 0, true},
		{"bare_p", "P", 0, true},
		{"bare_pt", "PT", 0, true},
		{"ambiguous_month", "P2M", 0, true},
		{"trailing_t", "P2DT", 0, true},
		{"garbage", "2 hours", 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseISODuration(tc.given)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
