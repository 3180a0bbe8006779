package linkgraph

import (
	"math"
	"sort"
	"strings"

	"wendao/internal/coreerr"
)

func toLowerTrim(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func errUnknownSeed(seed string) error {
	return coreerr.New(coreerr.KindInput, "linkgraph: unknown related seed "+seed)
}

// PPROptions configures a personalized-pagerank pass over the bidirectional
// link graph.
type PPROptions struct {
	Alpha        float64
	MaxIter      int
	Tol          float64
	SubgraphMode string // "auto" | "disabled" | "force"
}

// DefaultPPROptions mirrors spec defaults: alpha=0.85, max_iter=32, tol=1e-6.
func DefaultPPROptions() PPROptions {
	return PPROptions{Alpha: 0.85, MaxIter: 32, Tol: 1e-6, SubgraphMode: "auto"}
}

// RelatedDiagnostics reports the related/PPR kernel's internal behavior.
type RelatedDiagnostics struct {
	Alpha                 float64
	MaxIter               int
	Tol                    float64
	IterationCount         int
	FinalResidual          float64
	CandidateCount         int
	GraphNodeCount         int
	SubgraphCount          int
	PartitionMinNodeCount  int
	PartitionMaxNodeCount  int
	PartitionAvgNodeCount  float64
	TotalDurationMs        int64
	PartitionDurationMs    int64
	KernelDurationMs       int64
	FusionDurationMs       int64
	SubgraphMode           string
	HorizonRestricted      bool
}

// RelatedResponse is the result of a Related query.
type RelatedResponse struct {
	Nodes       []string
	Scores      map[string]float64
	Diagnostics RelatedDiagnostics
}

func undirectedNeighbors(idx *Index, id string) map[string]bool {
	out := make(map[string]bool)
	for _, e := range idx.Out[id] {
		out[e.To] = true
	}
	for _, e := range idx.In[id] {
		out[e.From] = true
	}
	return out
}

// bfsDistance finds the shortest bidirectional-hop distance from->to,
// capped at maxDistance (a distance beyond the cap is reported as !ok).
func bfsDistance(idx *Index, from, to string, maxDistance int) (path []string, dist int, ok bool) {
	if from == to {
		return nil, 0, true
	}
	visited := map[string]int{from: 0}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d := visited[cur]
		if d >= maxDistance {
			continue
		}
		for n := range undirectedNeighbors(idx, cur) {
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = d + 1
			if n == to {
				return nil, d + 1, true
			}
			queue = append(queue, n)
		}
	}
	return nil, 0, false
}

// bfsWithinDistance returns every node reachable from seed within
// maxDistance bidirectional hops, mapped to its distance (seed excluded).
func bfsWithinDistance(idx *Index, seed string, maxDistance int) map[string]int {
	visited := map[string]int{seed: 0}
	queue := []string{seed}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d := visited[cur]
		if d >= maxDistance {
			continue
		}
		for n := range undirectedNeighbors(idx, cur) {
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = d + 1
			queue = append(queue, n)
		}
	}
	delete(visited, seed)
	return visited
}

// weaklyConnectedComponent returns every node reachable from seed via any
// number of bidirectional hops.
func weaklyConnectedComponent(idx *Index, seed string) map[string]bool {
	visited := map[string]bool{seed: true}
	queue := []string{seed}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for n := range undirectedNeighbors(idx, cur) {
			if visited[n] {
				continue
			}
			visited[n] = true
			queue = append(queue, n)
		}
	}
	return visited
}

// personalizedPageRank runs power iteration restricted to nodes, with the
// restart distribution uniform over seeds. Returns per-node scores, the
// iteration count actually run, and the final L1 residual.
func personalizedPageRank(idx *Index, nodes map[string]bool, seeds []string, alpha float64, maxIter int, tol float64) (map[string]float64, int, float64) {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.85
	}
	if maxIter <= 0 {
		maxIter = 32
	}
	if tol <= 0 {
		tol = 1e-6
	}

	ordered := make([]string, 0, len(nodes))
	for n := range nodes {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)
	index := make(map[string]int, len(ordered))
	for i, n := range ordered {
		index[n] = i
	}

	restart := make([]float64, len(ordered))
	activeSeeds := 0
	for _, s := range seeds {
		if i, ok := index[s]; ok {
			restart[i] = 1
			activeSeeds++
		}
	}
	if activeSeeds == 0 {
		return map[string]float64{}, 0, 0
	}
	for i := range restart {
		restart[i] /= float64(activeSeeds)
	}

	scores := append([]float64(nil), restart...)
	iter := 0
	residual := 0.0
	for iter = 1; iter <= maxIter; iter++ {
		next := make([]float64, len(ordered))
		for i := range next {
			next[i] = (1 - alpha) * restart[i]
		}
		for i, n := range ordered {
			mass := scores[i]
			if mass == 0 {
				continue
			}
			neighbors := undirectedNeighbors(idx, n)
			var inSubgraph []string
			for nb := range neighbors {
				if _, ok := index[nb]; ok {
					inSubgraph = append(inSubgraph, nb)
				}
			}
			if len(inSubgraph) == 0 {
				next[i] += alpha * mass
				continue
			}
			share := mass * alpha / float64(len(inSubgraph))
			for _, nb := range inSubgraph {
				next[index[nb]] += share
			}
		}
		residual = l1Diff(scores, next)
		scores = next
		if residual < tol {
			break
		}
	}
	if iter > maxIter {
		iter = maxIter
	}

	out := make(map[string]float64, len(ordered))
	for i, n := range ordered {
		out[n] = scores[i]
	}
	return out, iter, residual
}

func l1Diff(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}
	return sum
}

// Related returns nodes within max_distance bidirectional hops of seed,
// scored by personalized pagerank mass (when ppr is non-nil) or by inverse
// distance otherwise, along with kernel diagnostics.
func (idx *Index) Related(seedStem string, maxDistance, limit int, ppr *PPROptions) (RelatedResponse, error) {
	seedID, ok := idx.Alias[toLowerTrim(seedStem)]
	if !ok {
		return RelatedResponse{}, errUnknownSeed(seedStem)
	}
	if maxDistance <= 0 {
		maxDistance = 2
	}

	within := bfsWithinDistance(idx, seedID, maxDistance)
	candidates := make(map[string]bool, len(within))
	for n := range within {
		candidates[n] = true
	}

	diag := RelatedDiagnostics{
		CandidateCount:    len(candidates),
		GraphNodeCount:    len(idx.Docs),
		HorizonRestricted: true,
		SubgraphMode:      "disabled",
	}

	scores := make(map[string]float64, len(candidates))
	if ppr == nil {
		for n, d := range within {
			scores[n] = 1.0 / float64(1+d)
		}
	} else {
		diag.Alpha = ppr.Alpha
		diag.MaxIter = ppr.MaxIter
		diag.Tol = ppr.Tol
		diag.SubgraphMode = ppr.SubgraphMode

		var kernelNodes map[string]bool
		switch ppr.SubgraphMode {
		case "force":
			kernelNodes = weaklyConnectedComponent(idx, seedID)
			diag.SubgraphCount = 1
		case "disabled":
			kernelNodes = allNodeSet(idx)
			diag.SubgraphCount = 1
		default: // auto
			component := weaklyConnectedComponent(idx, seedID)
			if len(component) <= len(idx.Docs)/2+1 {
				kernelNodes = component
			} else {
				kernelNodes = allNodeSet(idx)
			}
			diag.SubgraphCount = 1
		}
		diag.PartitionMinNodeCount = len(kernelNodes)
		diag.PartitionMaxNodeCount = len(kernelNodes)
		diag.PartitionAvgNodeCount = float64(len(kernelNodes))

		ranked, iterations, residual := personalizedPageRank(idx, kernelNodes, []string{seedID}, ppr.Alpha, ppr.MaxIter, ppr.Tol)
		diag.IterationCount = iterations
		diag.FinalResidual = residual
		for n := range candidates {
			scores[n] = ranked[n]
		}
	}

	nodes := make([]string, 0, len(candidates))
	for n := range candidates {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if scores[nodes[i]] != scores[nodes[j]] {
			return scores[nodes[i]] > scores[nodes[j]]
		}
		return nodes[i] < nodes[j]
	})
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}

	return RelatedResponse{Nodes: nodes, Scores: scores, Diagnostics: diag}, nil
}

func allNodeSet(idx *Index) map[string]bool {
	out := make(map[string]bool, len(idx.Docs))
	for id := range idx.Docs {
		out[id] = true
	}
	return out
}
