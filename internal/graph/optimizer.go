// ==============================================================================
// CYCLE OPTIMIZER - internal/graph/optimizer.go
// ==============================================================================
package graph

import (
	"github.com/shopspring/decimal"

	"railnet/pkg/errors"
	"railnet/pkg/logger"
)

// Stats summarizes one optimization run.
type Stats struct {
	CyclesFound      int             `json:"cycles_found"`
	AmountEliminated decimal.Decimal `json:"amount_eliminated"`
	DustRemoved      decimal.Decimal `json:"dust_removed"`
	Iterations       int             `json:"iterations"`
}

// Optimizer eliminates circular debt. Each iteration finds the minimum edge
// weight inside a strongly connected component, subtracts it from every edge
// along a cycle through that minimum edge, and removes edges whose residual
// falls below the dust threshold. The minimum edge always drops to exactly
// zero, so every iteration removes at least one edge and the loop terminates
// within the original edge count.
//
// The SCC-global minimum is the documented baseline contract; exact
// per-simple-cycle decomposition is deliberately not attempted.
type Optimizer struct {
	dust   decimal.Decimal
	logger logger.Logger
}

func NewOptimizer(dust decimal.Decimal, log logger.Logger) *Optimizer {
	return &Optimizer{dust: dust, logger: log}
}

// Optimize reduces g in place to an acyclic fixed point. It is deterministic
// for identical input and never changes any node's outgoing-minus-incoming
// balance beyond accumulated dust removal; the conservation law is asserted
// before returning.
func (o *Optimizer) Optimize(g *Graph) (*Stats, error) {
	stats := &Stats{
		AmountEliminated: decimal.Zero,
		DustRemoved:      decimal.Zero,
	}

	before := make([]decimal.Decimal, g.NodeCount())
	for i := 0; i < g.NodeCount(); i++ {
		before[i] = g.Balance(i)
	}
	// Dust removal shifts a node's balance by at most the removed residual;
	// track the allowance per node so the conservation check stays exact
	// everywhere else.
	dustSlack := make([]decimal.Decimal, g.NodeCount())
	for i := range dustSlack {
		dustSlack[i] = decimal.Zero
	}

	maxIterations := g.EdgeCount() + 1

	for {
		components := multiNodeComponents(g)
		if len(components) == 0 {
			break
		}
		stats.Iterations++
		if stats.Iterations > maxIterations {
			return nil, errors.Wrap(errors.ErrGraphInvariantViolation,
				"cycle elimination failed to converge")
		}

		for _, component := range components {
			cycle, min := o.findCycle(g, component)
			if len(cycle) == 0 {
				// SCC membership guarantees a cycle through its minimum
				// edge; failing to find one is a logic bug.
				return nil, errors.Wrap(errors.ErrGraphInvariantViolation,
					"no cycle found inside multi-node component")
			}

			stats.CyclesFound++
			for _, e := range cycle {
				residual := g.Weight(e.From, e.To).Sub(min)
				if residual.Sign() <= 0 {
					g.RemoveEdge(e.From, e.To)
					stats.AmountEliminated = stats.AmountEliminated.Add(min)
					continue
				}
				if residual.LessThanOrEqual(o.dust) {
					g.RemoveEdge(e.From, e.To)
					stats.AmountEliminated = stats.AmountEliminated.Add(min)
					stats.DustRemoved = stats.DustRemoved.Add(residual)
					dustSlack[e.From] = dustSlack[e.From].Add(residual)
					dustSlack[e.To] = dustSlack[e.To].Add(residual)
					continue
				}
				g.SetWeight(e.From, e.To, residual)
				stats.AmountEliminated = stats.AmountEliminated.Add(min)
			}

			o.logger.Debug("eliminated debt cycle", map[string]interface{}{
				"currency":   g.Currency,
				"cycle_len":  len(cycle),
				"min_weight": min.String(),
			})
		}
	}

	// Conservation law: optimization redistributes which edges carry value
	// but never creates or destroys net exposure for any participant.
	for i := 0; i < g.NodeCount(); i++ {
		drift := g.Balance(i).Sub(before[i]).Abs()
		if drift.GreaterThan(dustSlack[i]) {
			o.logger.Error("conservation violated after optimization", map[string]interface{}{
				"currency":    g.Currency,
				"participant": g.NodeID(i),
				"before":      before[i].String(),
				"after":       g.Balance(i).String(),
			})
			return nil, errors.ErrConservationViolation
		}
	}

	if len(multiNodeComponents(g)) != 0 {
		return nil, errors.Wrap(errors.ErrGraphInvariantViolation,
			"graph not acyclic at fixed point")
	}

	return stats, nil
}

// findCycle locates the minimum-weight edge inside the component and walks a
// path from its head back to its tail, which must exist by strong
// connectivity. Returns the full cycle edge list and the minimum weight.
func (o *Optimizer) findCycle(g *Graph, component []int) ([]Edge, decimal.Decimal) {
	members := make(map[int]bool, len(component))
	for _, i := range component {
		members[i] = true
	}

	// Minimum intra-component edge, ties broken by (from, to) order.
	minFrom, minTo := -1, -1
	min := decimal.Zero
	for _, i := range component {
		for _, j := range g.Successors(i) {
			if !members[j] {
				continue
			}
			w := g.Weight(i, j)
			if minFrom == -1 || w.LessThan(min) {
				minFrom, minTo, min = i, j, w
			}
		}
	}
	if minFrom == -1 {
		return nil, decimal.Zero
	}

	// Path minTo -> minFrom restricted to the component.
	path := o.findPath(g, members, minTo, minFrom)
	if path == nil {
		return nil, decimal.Zero
	}

	cycle := []Edge{{From: minFrom, To: minTo, Weight: min}}
	for i := 0; i+1 < len(path); i++ {
		cycle = append(cycle, Edge{
			From:   path[i],
			To:     path[i+1],
			Weight: g.Weight(path[i], path[i+1]),
		})
	}
	return cycle, min
}

// findPath runs a DFS from start to target over component members only,
// visiting successors in ascending index order.
func (o *Optimizer) findPath(g *Graph, members map[int]bool, start, target int) []int {
	if start == target {
		return []int{start}
	}
	parent := make(map[int]int)
	visited := map[int]bool{start: true}
	stack := []int{start}

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.Successors(node) {
			if !members[next] || visited[next] {
				continue
			}
			visited[next] = true
			parent[next] = node
			if next == target {
				path := []int{target}
				for at := target; at != start; at = parent[at] {
					path = append([]int{parent[at]}, path...)
				}
				return path
			}
			stack = append(stack, next)
		}
	}
	return nil
}
