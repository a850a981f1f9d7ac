package engine

import (
	"math"
	"time"

	"github.com/scrypster/engram/pkg/types"
)

// ScoreStrategy computes a final relevance score from a semantic similarity
// and the episode's engagement metadata. Scoring never mutates state;
// access-count increments are a separate explicit step owned by retrieval.
type ScoreStrategy interface {
	Score(semantic float64, ep *types.Episode) float64
}

// ReinforcementScorer implements the no-decay relevance model:
//
//	final = semantic × (1 + AccessBoost·access_count) × importance × modifier
//
// Age is never penalized; an episode's rank depends only on relevance,
// historical usefulness, assigned importance and explicit curation.
type ReinforcementScorer struct {
	cfg Config
}

// NewReinforcementScorer builds the default scorer from config.
func NewReinforcementScorer(cfg Config) *ReinforcementScorer {
	return &ReinforcementScorer{cfg: cfg}
}

func (s *ReinforcementScorer) Score(semantic float64, ep *types.Episode) float64 {
	boost := 1 + s.cfg.AccessBoost*float64(ep.AccessCount)
	return semantic * boost * ep.ImportanceScore * modifier(s.cfg, ep)
}

// DecayScorer is the alternative model with an explicit time-decay term:
// the reinforcement formula multiplied by exp(-DecayRate × days since the
// episode was last accessed, or since creation when never accessed).
type DecayScorer struct {
	cfg Config
	now func() time.Time
}

// NewDecayScorer builds the decay-variant scorer from config.
func NewDecayScorer(cfg Config) *DecayScorer {
	return &DecayScorer{cfg: cfg, now: time.Now}
}

func (s *DecayScorer) Score(semantic float64, ep *types.Episode) float64 {
	ref := ep.Timestamp
	if ep.LastAccessed != nil {
		ref = *ep.LastAccessed
	}
	days := s.now().Sub(ref).Hours() / 24
	if days < 0 {
		days = 0
	}
	decay := math.Exp(-s.cfg.DecayRate * days)

	boost := 1 + s.cfg.AccessBoost*float64(ep.AccessCount)
	return semantic * boost * ep.ImportanceScore * modifier(s.cfg, ep) * decay
}

// modifier applies curation flags. Critical takes precedence over
// antipattern: a critical flag is deliberate preservation and overrides the
// automatic demotion.
func modifier(cfg Config, ep *types.Episode) float64 {
	switch {
	case ep.IsCritical:
		return cfg.CriticalBoost
	case ep.IsAntipattern:
		return cfg.AntipatternPenalty
	default:
		return 1.0
	}
}

// newScorer selects the strategy named in config.
func newScorer(cfg Config) ScoreStrategy {
	if cfg.ScoreStrategy == "decay" {
		return NewDecayScorer(cfg)
	}
	return NewReinforcementScorer(cfg)
}
