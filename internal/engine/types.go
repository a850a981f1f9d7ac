// Package engine implements the relevance and consolidation core: scoring,
// retrieval, density clustering, meta-memory synthesis and context assembly.
// All persistence goes through storage.EpisodeStore; the engine operates on
// read snapshots and issues explicit mutation requests, never direct writes.
package engine

import (
	"fmt"
)

// Config holds the tunable knobs for scoring, retrieval and consolidation.
// These are injected configuration, not constants: the clustering radius in
// particular is sensitive to embedding-space scale.
type Config struct {
	// AccessBoost is the per-access reinforcement increment:
	// boost = 1 + AccessBoost * access_count. Default 0.1.
	AccessBoost float64

	// CriticalBoost is the modifier for critical episodes. Default 1.5.
	CriticalBoost float64

	// AntipatternPenalty is the modifier for antipattern episodes that are
	// not also critical. Default 0.3.
	AntipatternPenalty float64

	// RelevanceThreshold drops candidates whose semantic score falls below
	// it before any scoring happens. Default 0.4.
	RelevanceThreshold float64

	// OverfetchFactor controls how many nearest-neighbor candidates are
	// requested per returned result, to survive threshold filtering.
	// Default 4.
	OverfetchFactor int

	// DefaultK is the result-size bound when the caller passes none.
	// Default 5.
	DefaultK int

	// FewMemoriesCutoff is the corpus size below which context requests
	// return the full memory set instead of the hybrid payload. Default 20.
	FewMemoriesCutoff int

	// RecentCount is how many most-recent episodes the hybrid payload
	// carries. Default 5.
	RecentCount int

	// MetaMemoryCount is how many meta-memories retrieval considers.
	// Default 3.
	MetaMemoryCount int

	// ConsolidationThreshold is the unconsolidated-episode count at which
	// a scope becomes eligible for consolidation. Default 20.
	ConsolidationThreshold int

	// HotAccessCount marks an episode "hot"; any hot unconsolidated
	// episode also makes the scope eligible. Default 10.
	HotAccessCount int

	// Eps is the DBSCAN neighborhood radius in cosine-distance space.
	// Default 0.5.
	Eps float64

	// MinSamples is both the DBSCAN density requirement and the minimum
	// cluster size a meta-memory may be built from. Default 3.
	MinSamples int

	// ScoreStrategy selects the relevance formula: "reinforcement"
	// (default, no time term) or "decay".
	ScoreStrategy string

	// DecayRate is the per-day exponent for the decay strategy. Default 0.05.
	DecayRate float64
}

// DefaultConfig returns a Config with the canonical defaults.
func DefaultConfig() Config {
	return Config{
		AccessBoost:            0.1,
		CriticalBoost:          1.5,
		AntipatternPenalty:     0.3,
		RelevanceThreshold:     0.4,
		OverfetchFactor:        4,
		DefaultK:               5,
		FewMemoriesCutoff:      20,
		RecentCount:            5,
		MetaMemoryCount:        3,
		ConsolidationThreshold: 20,
		HotAccessCount:         10,
		Eps:                    0.5,
		MinSamples:             3,
		ScoreStrategy:          "reinforcement",
		DecayRate:              0.05,
	}
}

// Validate checks the configuration for values that would break ranking or
// clustering invariants.
func (c Config) Validate() error {
	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		return fmt.Errorf("engine: relevance threshold %f outside [0, 1]", c.RelevanceThreshold)
	}
	if c.OverfetchFactor < 1 {
		return fmt.Errorf("engine: overfetch factor must be at least 1, got %d", c.OverfetchFactor)
	}
	if c.MinSamples < 2 {
		return fmt.Errorf("engine: min samples must be at least 2, got %d", c.MinSamples)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("engine: eps must be positive, got %f", c.Eps)
	}
	if c.ConsolidationThreshold < c.MinSamples {
		return fmt.Errorf("engine: consolidation threshold %d below min cluster size %d",
			c.ConsolidationThreshold, c.MinSamples)
	}
	switch c.ScoreStrategy {
	case "reinforcement", "decay":
	default:
		return fmt.Errorf("engine: unknown score strategy %q", c.ScoreStrategy)
	}
	return nil
}
