// ==============================================================================
// CURRENCY GRAPH - internal/graph/graph.go
// ==============================================================================
// Directed multigraph of obligations for one currency. Nodes live in an
// index arena (growable slice, edges reference nodes by index) so the graph
// is cheap to clone and serialize for audit and replay.
// ==============================================================================

package graph

import (
	"sort"

	"railnet/internal/domain"
	"railnet/pkg/errors"

	"github.com/shopspring/decimal"
)

// Graph is a per-currency directed graph. Participants are deduplicated into
// the node arena; at most one directed edge exists per ordered node pair, its
// weight being the sum of the obligations that fed it.
type Graph struct {
	Currency domain.Currency

	nodes []string       // arena: index -> participant id
	index map[string]int // participant id -> index

	// adjacency by node index; out[i][j] is the aggregated weight i -> j
	out []map[int]decimal.Decimal

	// contributions[i][j] counts obligations aggregated into edge i -> j
	contributions []map[int]int
}

// Edge is a materialized directed edge, used for deterministic iteration.
type Edge struct {
	From   int
	To     int
	Weight decimal.Decimal
}

func New(currency domain.Currency) *Graph {
	return &Graph{
		Currency: currency,
		index:    make(map[string]int),
	}
}

// Node finds or creates the arena index for a participant.
func (g *Graph) Node(participant string) int {
	if i, ok := g.index[participant]; ok {
		return i
	}
	i := len(g.nodes)
	g.nodes = append(g.nodes, participant)
	g.index[participant] = i
	g.out = append(g.out, nil)
	g.contributions = append(g.contributions, nil)
	return i
}

// NodeID returns the participant id at an arena index.
func (g *Graph) NodeID(i int) string {
	return g.nodes[i]
}

// NodeIndex returns the arena index for a participant, if present.
func (g *Graph) NodeIndex(participant string) (int, bool) {
	i, ok := g.index[participant]
	return i, ok
}

func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// AddEdge aggregates weight onto the directed edge from -> to. Aggregation
// beyond max fails with ErrCalculationOverflow rather than saturating.
func (g *Graph) AddEdge(from, to int, weight, max decimal.Decimal) error {
	if weight.Sign() <= 0 {
		return errors.ErrNonPositiveAmount
	}
	if g.out[from] == nil {
		g.out[from] = make(map[int]decimal.Decimal)
		g.contributions[from] = make(map[int]int)
	}
	sum := g.out[from][to].Add(weight)
	if max.Sign() > 0 && sum.GreaterThan(max) {
		return errors.ErrCalculationOverflow
	}
	g.out[from][to] = sum
	g.contributions[from][to]++
	return nil
}

// Weight returns the aggregated weight of the edge from -> to, zero if absent.
func (g *Graph) Weight(from, to int) decimal.Decimal {
	if g.out[from] == nil {
		return decimal.Zero
	}
	return g.out[from][to]
}

// SetWeight overwrites an edge weight; a non-positive weight removes the edge.
func (g *Graph) SetWeight(from, to int, weight decimal.Decimal) {
	if weight.Sign() <= 0 {
		g.RemoveEdge(from, to)
		return
	}
	if g.out[from] == nil {
		g.out[from] = make(map[int]decimal.Decimal)
		g.contributions[from] = make(map[int]int)
	}
	g.out[from][to] = weight
}

func (g *Graph) RemoveEdge(from, to int) {
	if g.out[from] != nil {
		delete(g.out[from], to)
	}
}

// HasEdge reports whether a directed edge from -> to exists.
func (g *Graph) HasEdge(from, to int) bool {
	if g.out[from] == nil {
		return false
	}
	_, ok := g.out[from][to]
	return ok
}

// Contributions returns how many obligations were aggregated into from -> to.
func (g *Graph) Contributions(from, to int) int {
	if g.contributions[from] == nil {
		return 0
	}
	return g.contributions[from][to]
}

// Successors returns the sorted neighbor indexes of node i. Sorted order keeps
// every traversal, and therefore every optimization run, deterministic.
func (g *Graph) Successors(i int) []int {
	if g.out[i] == nil {
		return nil
	}
	succ := make([]int, 0, len(g.out[i]))
	for j := range g.out[i] {
		succ = append(succ, j)
	}
	sort.Ints(succ)
	return succ
}

// Edges returns all edges ordered by (from, to).
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for i := range g.out {
		for _, j := range g.Successors(i) {
			edges = append(edges, Edge{From: i, To: j, Weight: g.out[i][j]})
		}
	}
	return edges
}

func (g *Graph) EdgeCount() int {
	n := 0
	for i := range g.out {
		n += len(g.out[i])
	}
	return n
}

// TotalWeight sums all edge weights.
func (g *Graph) TotalWeight() decimal.Decimal {
	total := decimal.Zero
	for _, e := range g.Edges() {
		total = total.Add(e.Weight)
	}
	return total
}

// Balance returns outgoing minus incoming weight for node i. The optimizer
// must never change this value for any node.
func (g *Graph) Balance(i int) decimal.Decimal {
	balance := decimal.Zero
	for _, e := range g.Edges() {
		if e.From == i {
			balance = balance.Add(e.Weight)
		}
		if e.To == i {
			balance = balance.Sub(e.Weight)
		}
	}
	return balance
}

// Clone deep-copies the graph, preserving arena indexes.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Currency:      g.Currency,
		nodes:         append([]string(nil), g.nodes...),
		index:         make(map[string]int, len(g.index)),
		out:           make([]map[int]decimal.Decimal, len(g.out)),
		contributions: make([]map[int]int, len(g.contributions)),
	}
	for id, i := range g.index {
		c.index[id] = i
	}
	for i, adj := range g.out {
		if adj == nil {
			continue
		}
		c.out[i] = make(map[int]decimal.Decimal, len(adj))
		for j, w := range adj {
			c.out[i][j] = w
		}
	}
	for i, counts := range g.contributions {
		if counts == nil {
			continue
		}
		c.contributions[i] = make(map[int]int, len(counts))
		for j, n := range counts {
			c.contributions[i][j] = n
		}
	}
	return c
}

// transpose returns the reversed adjacency, used by Kosaraju's second pass.
func (g *Graph) transpose() []map[int]struct{} {
	rev := make([]map[int]struct{}, len(g.nodes))
	for i := range g.out {
		for j := range g.out[i] {
			if rev[j] == nil {
				rev[j] = make(map[int]struct{})
			}
			rev[j][i] = struct{}{}
		}
	}
	return rev
}
