package engine

import "math"

// dbscan labels for points that are not (yet) cluster members.
const (
	labelUnvisited = -2
	labelNoise     = -1
)

// dbscan runs density-based clustering over the given vectors using cosine
// distance (1 - cosine similarity). A point joins a cluster when it has at
// least minSamples neighbors within radius eps; clusters grow by chaining
// density-reachable points; everything else is noise.
//
// Returns clusters as index lists into vectors, in discovery order. Noise
// points appear in no cluster.
func dbscan(vectors [][]float64, eps float64, minSamples int) [][]int {
	n := len(vectors)
	if n == 0 {
		return nil
	}

	dist := pairwiseCosineDistance(vectors)

	labels := make([]int, n)
	for i := range labels {
		labels[i] = labelUnvisited
	}

	var clusters [][]int
	for i := 0; i < n; i++ {
		if labels[i] != labelUnvisited {
			continue
		}

		neighbors := regionQuery(dist, i, eps)
		if len(neighbors) < minSamples {
			labels[i] = labelNoise
			continue
		}

		clusterID := len(clusters)
		labels[i] = clusterID
		cluster := []int{i}

		// Expand the cluster over density-reachable points. The seed
		// list grows while iterating; index-based loop is deliberate.
		seeds := append([]int(nil), neighbors...)
		for j := 0; j < len(seeds); j++ {
			p := seeds[j]
			if labels[p] == labelNoise {
				// Border point: reachable but not dense itself.
				labels[p] = clusterID
				cluster = append(cluster, p)
				continue
			}
			if labels[p] != labelUnvisited {
				continue
			}
			labels[p] = clusterID
			cluster = append(cluster, p)

			pNeighbors := regionQuery(dist, p, eps)
			if len(pNeighbors) >= minSamples {
				seeds = append(seeds, pNeighbors...)
			}
		}

		clusters = append(clusters, cluster)
	}

	return clusters
}

// regionQuery returns the indices within eps of point i, including i itself.
// DBSCAN counts a point as its own neighbor for the density test.
func regionQuery(dist [][]float64, i int, eps float64) []int {
	var neighbors []int
	for j := range dist[i] {
		if dist[i][j] <= eps {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

// pairwiseCosineDistance computes the symmetric distance matrix
// d[i][j] = 1 - cos(vectors[i], vectors[j]).
func pairwiseCosineDistance(vectors [][]float64) [][]float64 {
	n := len(vectors)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := 1 - cosine(vectors[i], vectors[j])
			dist[i][j] = d
			dist[j][i] = d
		}
	}
	return dist
}

// cosine computes cosine similarity; mismatched or zero vectors score 0.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
