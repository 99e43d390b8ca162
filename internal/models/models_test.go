package models

import (
	"testing"
	"time"
)

func TestTierInterval(t *testing.T) {
	cases := []struct {
		tier FrequencyTier
		want time.Duration
	}{
		{TierDaily, 24 * time.Hour},
		{TierHourly, time.Hour},
		{TierSniper, 5 * time.Minute},
		{FrequencyTier("bogus"), time.Hour},
	}

	for _, tc := range cases {
		if got := tc.tier.Interval(); got != tc.want {
			t.Errorf("Interval(%q) = %v, want %v", tc.tier, got, tc.want)
		}
	}
}

func TestExpiryFor(t *testing.T) {
	checkIn := time.Date(2026, 9, 12, 15, 30, 0, 0, time.UTC)
	got := ExpiryFor(checkIn)

	want := time.Date(2026, 9, 12, 23, 59, 59, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ExpiryFor = %v, want %v", got, want)
	}
}

func TestExpiryForNormalizesZone(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	checkIn := time.Date(2026, 9, 13, 2, 0, 0, 0, loc)

	got := ExpiryFor(checkIn)
	if got.Location() != time.UTC {
		t.Errorf("expiry location = %v, want UTC", got.Location())
	}
	if got.Day() != checkIn.UTC().Day() {
		t.Errorf("expiry day = %d, want check-in's UTC day %d", got.Day(), checkIn.UTC().Day())
	}
}
