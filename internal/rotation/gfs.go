package rotation

import (
	"sort"
	"time"

	"github.com/localrivet/dbshift/pkg/manifest"
)

type GFSRotator struct {
	policy *Policy
}

func NewGFSRotator(policy *Policy) *GFSRotator {
	return &GFSRotator{
		policy: policy,
	}
}

// Expired returns the snapshots to delete as of now. Partial snapshots
// take no tier slot and expire once a newer complete snapshot exists.
// The newest complete snapshot is never expired.
func (g *GFSRotator) Expired(snapshots []*manifest.Manifest, now time.Time) []*manifest.Manifest {
	if len(snapshots) == 0 {
		return nil
	}

	sorted := make([]*manifest.Manifest, len(snapshots))
	copy(sorted, snapshots)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	keep := make(map[string]bool)
	var newest *manifest.Manifest
	counts := map[Tier]int{}
	limits := map[Tier]int{
		TierDaily:   g.policy.KeepDaily,
		TierWeekly:  g.policy.KeepWeekly,
		TierMonthly: g.policy.KeepMonthly,
	}

	for _, s := range sorted {
		if s.Status == manifest.StatusPartial {
			// kept only while no complete snapshot is newer
			if newest == nil {
				keep[s.ID] = true
			}
			continue
		}
		if newest == nil {
			newest = s
		}
		for _, tier := range Classify(s.Timestamp) {
			if counts[tier] < limits[tier] {
				counts[tier]++
				keep[s.ID] = true
			}
		}
	}

	var expired []*manifest.Manifest
	for _, s := range sorted {
		if s == newest {
			continue
		}
		if !keep[s.ID] {
			expired = append(expired, s)
			continue
		}
		if g.policy.MaxAgeDays > 0 && now.Sub(s.Timestamp) > g.policy.maxAge() {
			expired = append(expired, s)
		}
	}

	return expired
}

// Retention returns the keep-until date and tier name recorded in a
// new snapshot's manifest.
func (g *GFSRotator) Retention(snapshotTime time.Time) (time.Time, string) {
	tier := PrimaryTier(snapshotTime)
	return g.policy.KeepUntil(snapshotTime, tier), string(tier)
}
