package rotation

import (
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/localrivet/dbshift/pkg/manifest"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 2, 0, 0, 0, time.UTC)
}

func snap(id string, ts time.Time) *manifest.Manifest {
	m := manifest.New(id, ts)
	return m
}

func partial(id string, ts time.Time) *manifest.Manifest {
	m := manifest.New(id, ts)
	m.Status = manifest.StatusPartial
	return m
}

func ids(ms []*manifest.Manifest) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	sort.Strings(out)
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		time time.Time
		want []Tier
	}{
		{"regular weekday", day(2024, 1, 15), []Tier{TierDaily}},
		{"sunday", day(2024, 1, 14), []Tier{TierDaily, TierWeekly}},
		{"first of month", day(2024, 2, 1), []Tier{TierDaily, TierMonthly}},
		{"first of month on sunday", day(2024, 9, 1), []Tier{TierDaily, TierWeekly, TierMonthly}},
		{
			// Sunday 23:30 in UTC-5 is Monday in UTC.
			name: "classified in UTC",
			time: time.Date(2024, 1, 14, 23, 30, 0, 0, time.FixedZone("EST", -5*3600)),
			want: []Tier{TierDaily},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.time); !slices.Equal(got, tt.want) {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrimaryTier(t *testing.T) {
	tests := []struct {
		name string
		time time.Time
		want Tier
	}{
		{"regular weekday is daily", day(2024, 1, 15), TierDaily},
		{"sunday is weekly", day(2024, 1, 14), TierWeekly},
		{"first of month is monthly", day(2024, 2, 1), TierMonthly},
		{"monthly takes precedence over weekly", day(2024, 9, 1), TierMonthly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PrimaryTier(tt.time); got != tt.want {
				t.Errorf("PrimaryTier() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_KeepUntil(t *testing.T) {
	base := day(2024, 1, 15)

	tests := []struct {
		name     string
		policy   *Policy
		tier     Tier
		wantDays int
	}{
		{"daily", NewPolicy(7, 4, 12, 365), TierDaily, 7},
		{"weekly", NewPolicy(7, 4, 12, 365), TierWeekly, 28},
		{"monthly", NewPolicy(7, 4, 12, 365), TierMonthly, 360},
		{"capped by max age", NewPolicy(7, 4, 12, 30), TierMonthly, 30},
		{"no max age", NewPolicy(7, 4, 12, 0), TierMonthly, 360},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.KeepUntil(base, tt.tier)
			if want := base.AddDate(0, 0, tt.wantDays); !got.Equal(want) {
				t.Errorf("KeepUntil() = %v, want %v", got, want)
			}
		})
	}
}

func TestGFSRotator_Expired_Empty(t *testing.T) {
	rotator := NewGFSRotator(NewPolicy(7, 4, 12, 365))

	if got := rotator.Expired(nil, time.Now()); got != nil {
		t.Errorf("Expired(nil) = %v, want nil", got)
	}
}

func TestGFSRotator_Expired_KeepRecentDailies(t *testing.T) {
	rotator := NewGFSRotator(NewPolicy(3, 0, 0, 0))

	// Tue 16 .. Fri 12 January 2024, no Sundays or firsts.
	snapshots := []*manifest.Manifest{
		snap("s-16", day(2024, 1, 16)),
		snap("s-12", day(2024, 1, 12)),
		snap("s-15", day(2024, 1, 15)),
		snap("s-11", day(2024, 1, 11)),
		snap("s-13", day(2024, 1, 13)),
	}

	got := ids(rotator.Expired(snapshots, day(2024, 1, 17)))
	if !slices.Equal(got, []string{"s-11", "s-12"}) {
		t.Errorf("Expired() = %v, want [s-11 s-12]", got)
	}
	if snapshots[0].ID != "s-16" {
		t.Error("Expired() must not reorder the caller's slice")
	}
}

func TestGFSRotator_Expired_KeepWeeklies(t *testing.T) {
	rotator := NewGFSRotator(NewPolicy(0, 2, 0, 0))

	snapshots := []*manifest.Manifest{
		snap("w-07", day(2024, 1, 7)),
		snap("w-14", day(2024, 1, 14)),
		snap("w-21", day(2024, 1, 21)),
	}

	got := ids(rotator.Expired(snapshots, day(2024, 1, 22)))
	if !slices.Equal(got, []string{"w-07"}) {
		t.Errorf("Expired() = %v, want [w-07]", got)
	}
}

func TestGFSRotator_Expired_KeepMonthlies(t *testing.T) {
	rotator := NewGFSRotator(NewPolicy(0, 0, 2, 0))

	snapshots := []*manifest.Manifest{
		snap("m-01", day(2024, 1, 1)),
		snap("m-02", day(2024, 2, 1)),
		snap("m-03", day(2024, 3, 1)),
	}

	got := ids(rotator.Expired(snapshots, day(2024, 3, 2)))
	if !slices.Equal(got, []string{"m-01"}) {
		t.Errorf("Expired() = %v, want [m-01]", got)
	}
}

func TestGFSRotator_Expired_MaxAge(t *testing.T) {
	rotator := NewGFSRotator(NewPolicy(100, 100, 100, 7))

	now := day(2024, 6, 20)
	snapshots := []*manifest.Manifest{
		snap("recent", now.AddDate(0, 0, -1)),
		snap("old", now.AddDate(0, 0, -30)),
	}

	got := ids(rotator.Expired(snapshots, now))
	if !slices.Equal(got, []string{"old"}) {
		t.Errorf("Expired() = %v, want [old]", got)
	}
}

func TestGFSRotator_Expired_NewestAlwaysKept(t *testing.T) {
	rotator := NewGFSRotator(NewPolicy(0, 0, 0, 7))

	now := day(2024, 6, 20)
	snapshots := []*manifest.Manifest{
		snap("only", now.AddDate(0, 0, -60)),
		snap("older", now.AddDate(0, 0, -90)),
	}

	got := ids(rotator.Expired(snapshots, now))
	if !slices.Equal(got, []string{"older"}) {
		t.Errorf("Expired() = %v, want [older]", got)
	}
}

func TestGFSRotator_Expired_Partial(t *testing.T) {
	rotator := NewGFSRotator(NewPolicy(2, 0, 0, 0))

	snapshots := []*manifest.Manifest{
		partial("p-18", day(2024, 1, 18)),
		snap("s-17", day(2024, 1, 17)),
		partial("p-16", day(2024, 1, 16)),
		snap("s-15", day(2024, 1, 15)),
		snap("s-12", day(2024, 1, 12)),
	}

	// p-18 is newer than every complete snapshot and stays; p-16 does not
	// take a daily slot, so s-15 is kept.
	got := ids(rotator.Expired(snapshots, day(2024, 1, 19)))
	if !slices.Equal(got, []string{"p-16", "s-12"}) {
		t.Errorf("Expired() = %v, want [p-16 s-12]", got)
	}
}

func TestGFSRotator_Expired_MixedTiers(t *testing.T) {
	rotator := NewGFSRotator(NewPolicy(2, 1, 1, 0))

	snapshots := []*manifest.Manifest{
		snap("daily-1", day(2024, 1, 16)),  // Tuesday
		snap("daily-2", day(2024, 1, 15)),  // Monday
		snap("daily-3", day(2024, 1, 12)),  // Friday
		snap("weekly-1", day(2024, 1, 14)), // Sunday
		snap("weekly-2", day(2024, 1, 7)),  // Sunday
		snap("monthly-1", day(2024, 1, 1)), // Monday, Jan 1
	}

	got := ids(rotator.Expired(snapshots, day(2024, 1, 17)))
	if !slices.Equal(got, []string{"daily-3", "weekly-2"}) {
		t.Errorf("Expired() = %v, want [daily-3 weekly-2]", got)
	}
}

func TestGFSRotator_Retention(t *testing.T) {
	rotator := NewGFSRotator(NewPolicy(7, 4, 12, 365))

	tests := []struct {
		name     string
		time     time.Time
		wantTier string
		wantDays int
	}{
		{"regular day is daily", day(2024, 1, 15), "daily", 7},
		{"sunday is weekly", day(2024, 1, 14), "weekly", 28},
		{"first of month is monthly", day(2024, 2, 1), "monthly", 360},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keepUntil, tier := rotator.Retention(tt.time)

			if tier != tt.wantTier {
				t.Errorf("Retention() tier = %v, want %v", tier, tt.wantTier)
			}
			if want := tt.time.AddDate(0, 0, tt.wantDays); !keepUntil.Equal(want) {
				t.Errorf("Retention() keepUntil = %v, want %v", keepUntil, want)
			}
		})
	}
}
