package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/pkg/types"
)

// Consolidation run statuses. InsufficientData is a normal outcome, not an
// error: the scope simply has nothing worth clustering yet.
const (
	ConsolidationCompleted        = "completed"
	ConsolidationPartial          = "partial"
	ConsolidationInsufficientData = "insufficient_data"
)

// EligibilityReport is the result of the pure-read consolidation check.
type EligibilityReport struct {
	Eligible            bool   `json:"eligible"`
	UnconsolidatedCount int    `json:"unconsolidated_count"`
	Threshold           int    `json:"threshold"`
	HotEpisodes         int    `json:"hot_episodes"`
	MinClusterSize      int    `json:"min_cluster_size"`
	Reason              string `json:"reason"`
}

// ConsolidationReport describes one consolidation run. Partial success is
// reported explicitly; skipped clusters are never hidden.
type ConsolidationReport struct {
	Status               string   `json:"status"`
	ClustersFound        int      `json:"clusters_found"`
	ClustersWritten      int      `json:"clusters_written"`
	ClustersSkipped      int      `json:"clusters_skipped"`
	EpisodesConsolidated int      `json:"episodes_consolidated"`
	MetaMemoryIDs        []string `json:"meta_memory_ids,omitempty"`
	SkipReasons          []string `json:"skip_reasons,omitempty"`
}

// CheckConsolidation reports whether the scope is worth consolidating.
// Eligible when the unconsolidated backlog reaches the threshold, or when
// any unconsolidated episode has gone hot (heavily accessed). Never mutates.
func (e *Engine) CheckConsolidation(ctx context.Context, project string) (*EligibilityReport, error) {
	episodes, err := e.store.Unconsolidated(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("engine: eligibility check: %w", err)
	}

	hot := 0
	for _, ep := range episodes {
		if ep.AccessCount >= e.cfg.HotAccessCount {
			hot++
		}
	}

	report := &EligibilityReport{
		UnconsolidatedCount: len(episodes),
		Threshold:           e.cfg.ConsolidationThreshold,
		HotEpisodes:         hot,
		MinClusterSize:      e.cfg.MinSamples,
	}

	switch {
	case len(episodes) >= e.cfg.ConsolidationThreshold:
		report.Eligible = true
		report.Reason = fmt.Sprintf("%d unconsolidated episodes (threshold %d)",
			len(episodes), e.cfg.ConsolidationThreshold)
	case hot > 0:
		report.Eligible = true
		report.Reason = fmt.Sprintf("%d hot episodes (access count >= %d)",
			hot, e.cfg.HotAccessCount)
	default:
		report.Reason = fmt.Sprintf("%d unconsolidated episodes below threshold %d, none hot",
			len(episodes), e.cfg.ConsolidationThreshold)
	}
	return report, nil
}

// Consolidate clusters the scope's unconsolidated episodes and synthesizes
// one meta-memory per surviving cluster. Failures are per-cluster: a failed
// synthesis skips that cluster and the run continues. The run errors only
// when clusters existed and none succeeded. An empty project consolidates
// every project, but clustering still happens per project so each
// meta-memory's sources share one.
//
// minClusterSize <= 0 uses the configured minimum. Re-running with no new
// episodes is a no-op because consolidated episodes never reappear in the
// unconsolidated snapshot.
func (e *Engine) Consolidate(ctx context.Context, project string, minClusterSize int) (*ConsolidationReport, error) {
	if minClusterSize <= 0 {
		minClusterSize = e.cfg.MinSamples
	}

	episodes, err := e.store.Unconsolidated(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("engine: unconsolidated snapshot: %w", err)
	}

	if len(episodes) < minClusterSize {
		return &ConsolidationReport{Status: ConsolidationInsufficientData}, nil
	}

	ids := make([]string, len(episodes))
	for i, ep := range episodes {
		ids[i] = ep.ID
	}
	vectors, err := e.store.Embeddings(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("engine: load embeddings: %w", err)
	}

	// Episodes without a stored vector cannot be clustered; they stay
	// unconsolidated and show up in the reconciliation report.
	var clusterable []*types.Episode
	var matrix [][]float64
	for _, ep := range episodes {
		vec, ok := vectors[ep.ID]
		if !ok {
			continue
		}
		clusterable = append(clusterable, ep)
		matrix = append(matrix, vec)
	}

	if len(clusterable) < minClusterSize {
		return &ConsolidationReport{Status: ConsolidationInsufficientData}, nil
	}

	e.publish("consolidation_started", map[string]any{
		"project":  project,
		"episodes": len(clusterable),
	})

	clusters := clusterByProject(clusterable, matrix, e.cfg.Eps, e.cfg.MinSamples)

	report := &ConsolidationReport{}
	for _, cluster := range clusters {
		if len(cluster) < minClusterSize {
			continue
		}
		report.ClustersFound++

		members := make([]*types.Episode, len(cluster))
		for i, idx := range cluster {
			members[i] = clusterable[idx]
		}

		mm, err := e.synthesizeCluster(ctx, project, members, minClusterSize)
		if err != nil {
			report.ClustersSkipped++
			report.SkipReasons = append(report.SkipReasons,
				fmt.Sprintf("cluster of %d: %v", len(members), err))
			log.Printf("engine: skipping cluster of %d episodes: %v", len(members), err)
			continue
		}

		report.ClustersWritten++
		report.EpisodesConsolidated += len(members)
		report.MetaMemoryIDs = append(report.MetaMemoryIDs, mm.ID)

		e.publish("consolidation_cluster_written", map[string]any{
			"meta_memory_id": mm.ID,
			"episode_count":  mm.EpisodeCount,
			"pattern":        mm.PatternSummary,
		})
	}

	switch {
	case report.ClustersFound == 0:
		report.Status = ConsolidationInsufficientData
	case report.ClustersSkipped == 0:
		report.Status = ConsolidationCompleted
	default:
		report.Status = ConsolidationPartial
	}

	e.publish("consolidation_finished", report)

	if report.ClustersFound > 0 && report.ClustersWritten == 0 {
		return report, fmt.Errorf("engine: consolidation failed: all %d clusters skipped", report.ClustersFound)
	}
	return report, nil
}

// clusterByProject runs DBSCAN within each project's episodes separately.
// A meta-memory's sources must all share one project, so clustering never
// crosses a project boundary even on a global run. Cluster indexes refer
// to the full episodes slice.
func clusterByProject(episodes []*types.Episode, matrix [][]float64, eps float64, minSamples int) [][]int {
	byProject := make(map[string][]int)
	var projects []string
	for i, ep := range episodes {
		if _, ok := byProject[ep.ProjectName]; !ok {
			projects = append(projects, ep.ProjectName)
		}
		byProject[ep.ProjectName] = append(byProject[ep.ProjectName], i)
	}
	sort.Strings(projects)

	var clusters [][]int
	for _, p := range projects {
		idxs := byProject[p]
		sub := make([][]float64, len(idxs))
		for j, idx := range idxs {
			sub[j] = matrix[idx]
		}
		for _, local := range dbscan(sub, eps, minSamples) {
			global := make([]int, len(local))
			for j, li := range local {
				global[j] = idxs[li]
			}
			clusters = append(clusters, global)
		}
	}
	return clusters
}

// synthesizeCluster runs the external synthesis step for one cluster and
// writes the resulting meta-memory with full provenance.
func (e *Engine) synthesizeCluster(ctx context.Context, project string, members []*types.Episode, minClusterSize int) (*types.MetaMemory, error) {
	if e.generator == nil {
		return nil, fmt.Errorf("no synthesis provider configured")
	}

	response, err := e.generator.Complete(ctx, llm.SynthesisPrompt(members))
	if err != nil {
		return nil, fmt.Errorf("synthesis call: %w", err)
	}
	result, err := llm.ParseSynthesis(response)
	if err != nil {
		return nil, err
	}

	mm := types.NewMetaMemory(project)
	if project == "" {
		mm.ProjectName = members[0].ProjectName
	}
	mm.Pattern = result.Pattern
	mm.PatternSummary = result.PatternSummary
	mm.Lessons = result.Lessons
	mm.BestPractices = result.BestPractices
	mm.Antipatterns = result.Antipatterns
	mm.Exceptions = result.Exceptions
	mm.EdgeCases = result.EdgeCases
	mm.Contexts = result.Contexts
	mm.Technologies = result.Technologies
	mm.CoherenceScore = result.CoherenceScore
	mm.EpisodeCount = len(members)
	mm.Confidence = clusterConfidence(len(members))
	mm.Tags = commonTags(members)
	for _, ep := range members {
		mm.SourceEpisodeIDs = append(mm.SourceEpisodeIDs, ep.ID)
	}

	if err := mm.Validate(minClusterSize); err != nil {
		return nil, fmt.Errorf("synthesized meta-memory invalid: %w", err)
	}

	var vector []float64
	if e.embedder != nil {
		vector, err = e.embedder.Embed(ctx, metaEmbeddingText(mm))
		if err != nil {
			log.Printf("engine: meta-memory embedding failed for %s, storing without vector: %v", mm.ID, err)
			vector = nil
		}
	}

	if err := e.store.WriteMetaMemory(ctx, mm, vector); err != nil {
		return nil, fmt.Errorf("write meta-memory: %w", err)
	}
	return mm, nil
}

// clusterConfidence grows with cluster size and saturates at 0.95: more
// supporting episodes mean a better-attested pattern, but synthesis is
// never certain.
func clusterConfidence(n int) float64 {
	return math.Min(0.95, 0.5+0.1*float64(n))
}

// commonTags returns tags shared by at least half the cluster members,
// sorted for stable output.
func commonTags(members []*types.Episode) []string {
	counts := make(map[string]int)
	for _, ep := range members {
		seen := make(map[string]struct{})
		for _, tag := range ep.Tags {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			counts[tag]++
		}
	}

	var tags []string
	for tag, n := range counts {
		if n*2 >= len(members) {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// metaEmbeddingText is the text a meta-memory is embedded over.
func metaEmbeddingText(mm *types.MetaMemory) string {
	var sb strings.Builder
	sb.WriteString("Pattern: ")
	sb.WriteString(mm.Pattern)
	if mm.PatternSummary != "" {
		sb.WriteString("\nSummary: ")
		sb.WriteString(mm.PatternSummary)
	}
	if len(mm.Lessons) > 0 {
		sb.WriteString("\nLessons: ")
		sb.WriteString(strings.Join(mm.Lessons, "; "))
	}
	return sb.String()
}
