package analysis

import (
	"bytes"
	"sort"

	"querymon/internal/store"
)

// Candidate is one fingerprint's aggregated activity over the analysis
// window, joined with identity metadata.
type Candidate struct {
	FingerprintID  int64
	Instance       string
	Database       string
	Hash           []byte
	NormalizedText string

	ExecCount       int64
	TotalCPUUs      int64
	TotalDurationUs int64
	AvgDurationUs   int64

	HasOpenRegression bool
}

// metricValue reads the candidate's value for a ranking metric.
func (c Candidate) metricValue(m store.Metric) float64 {
	switch m {
	case store.MetricTotalCPU:
		return float64(c.TotalCPUUs)
	case store.MetricTotalDuration:
		return float64(c.TotalDurationUs)
	case store.MetricAvgDuration:
		return float64(c.AvgDurationUs)
	case store.MetricExecCount:
		return float64(c.ExecCount)
	}
	return float64(c.TotalCPUUs)
}

// HotspotRules filters and ranks candidates.
type HotspotRules struct {
	MinTotalCPUUs      int64
	MinTotalDurationUs int64
	MinExecCount       int64
	MinAvgDurationUs   int64

	RankBy             store.Metric
	TopN               int
	IncludeRegressions bool
}

// Hotspot is one ranked entry. Ephemeral: recomputed every analysis cycle,
// never persisted.
type Hotspot struct {
	Candidate      Candidate
	Rank           int
	RankMetric     store.Metric
	RankValue      float64
	PercentOfTotal float64
	AlsoRegressed  bool
}

// TopHotspots filters candidates by the rule thresholds, ranks them
// descending by the chosen metric, and returns the first N annotated with
// their share of the filtered set's total. The sort is stable so equal
// ranking values preserve insertion order; explicit ties break by total CPU,
// then fingerprint hash.
func TopHotspots(candidates []Candidate, rules HotspotRules) []Hotspot {
	if rules.TopN <= 0 {
		return nil
	}
	rankBy := rules.RankBy
	if rankBy == "" {
		rankBy = store.MetricTotalCPU
	}

	filtered := make([]Candidate, 0, len(candidates))
	var total float64
	for _, c := range candidates {
		if c.TotalCPUUs < rules.MinTotalCPUUs {
			continue
		}
		if c.TotalDurationUs < rules.MinTotalDurationUs {
			continue
		}
		if c.ExecCount < rules.MinExecCount {
			continue
		}
		if c.AvgDurationUs < rules.MinAvgDurationUs {
			continue
		}
		if c.HasOpenRegression && !rules.IncludeRegressions {
			continue
		}
		filtered = append(filtered, c)
		total += c.metricValue(rankBy)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		vi, vj := filtered[i].metricValue(rankBy), filtered[j].metricValue(rankBy)
		if vi != vj {
			return vi > vj
		}
		if filtered[i].TotalCPUUs != filtered[j].TotalCPUUs {
			return filtered[i].TotalCPUUs > filtered[j].TotalCPUUs
		}
		return bytes.Compare(filtered[i].Hash, filtered[j].Hash) < 0
	})

	n := rules.TopN
	if n > len(filtered) {
		n = len(filtered)
	}

	hotspots := make([]Hotspot, 0, n)
	for i := 0; i < n; i++ {
		c := filtered[i]
		value := c.metricValue(rankBy)
		percent := 0.0
		if total > 0 {
			percent = value / total * 100
		}
		hotspots = append(hotspots, Hotspot{
			Candidate:      c,
			Rank:           i + 1,
			RankMetric:     rankBy,
			RankValue:      value,
			PercentOfTotal: percent,
			AlsoRegressed:  c.HasOpenRegression,
		})
	}
	return hotspots
}

// AggregateCandidates folds window samples into per-fingerprint candidates
// for hotspot ranking. openByFingerprint marks fingerprints with open
// regression events. Samples carry no identity metadata, so Hash and
// NormalizedText are left empty here; callers join them in from the
// fingerprint store before ranking (TopHotspots breaks ties on Hash).
func AggregateCandidates(samples []store.Sample, openByFingerprint map[int64]bool) []Candidate {
	var candidates []Candidate
	for _, group := range groupByFingerprint(samples) {
		c := Candidate{
			FingerprintID: group[0].FingerprintID,
			Instance:      group[0].Instance,
			Database:      group[0].Database,
		}
		for _, s := range group {
			c.ExecCount += s.ExecCount
			c.TotalCPUUs += s.TotalCPUUs
			c.TotalDurationUs += s.TotalDurationUs
		}
		if c.ExecCount > 0 {
			c.AvgDurationUs = c.TotalDurationUs / c.ExecCount
		}
		c.HasOpenRegression = openByFingerprint[c.FingerprintID]
		candidates = append(candidates, c)
	}
	return candidates
}
