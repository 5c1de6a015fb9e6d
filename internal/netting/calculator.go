// ==============================================================================
// NET POSITION CALCULATOR - internal/netting/calculator.go
// ==============================================================================
package netting

import (
	"sort"
	"time"

	"railnet/internal/domain"
	"railnet/internal/graph"
	"railnet/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Calculator converts optimized currency graphs into bilateral net positions
// and savings metrics. Gross amounts are always measured against the
// pre-optimization graph so savings reflect both bilateral netting and cycle
// elimination.
type Calculator struct {
	logger logger.Logger
}

func NewCalculator(log logger.Logger) *Calculator {
	return &Calculator{logger: log}
}

// Result is the output of one calculation pass.
type Result struct {
	Positions []domain.NetPosition
	Metrics   domain.WindowMetrics
}

// Calculate walks every participant pair that had any obligation in the
// pre-optimization graphs and produces one NetPosition per pair per currency.
// Deterministic: currencies and pairs are visited in sorted order.
func (c *Calculator) Calculate(windowID uuid.UUID, pre, post map[domain.Currency]*graph.Graph) (*Result, error) {
	result := &Result{
		Metrics: domain.WindowMetrics{
			WindowID:      windowID,
			GrossTotal:    decimal.Zero,
			NetTotal:      decimal.Zero,
			AmountSaved:   decimal.Zero,
			EfficiencyPct: decimal.Zero,
		},
	}

	currencies := make([]domain.Currency, 0, len(pre))
	for currency := range pre {
		currencies = append(currencies, currency)
	}
	sort.Slice(currencies, func(i, j int) bool { return currencies[i] < currencies[j] })

	now := time.Now()

	for _, currency := range currencies {
		preGraph := pre[currency]
		postGraph := post[currency]

		for _, pair := range participantPairs(preGraph) {
			a, b := pair[0], pair[1]
			ai, _ := preGraph.NodeIndex(a)
			bi, _ := preGraph.NodeIndex(b)

			grossAToB := preGraph.Weight(ai, bi)
			grossBToA := preGraph.Weight(bi, ai)
			gross := grossAToB.Add(grossBToA)
			count := preGraph.Contributions(ai, bi) + preGraph.Contributions(bi, ai)

			postAToB, postBToA := decimal.Zero, decimal.Zero
			if postGraph != nil {
				if pai, ok := postGraph.NodeIndex(a); ok {
					if pbi, ok2 := postGraph.NodeIndex(b); ok2 {
						postAToB = postGraph.Weight(pai, pbi)
						postBToA = postGraph.Weight(pbi, pai)
					}
				}
			}

			net := postAToB.Sub(postBToA)
			netPayer := ""
			switch net.Sign() {
			case 1:
				netPayer = a
			case -1:
				netPayer = b
				net = net.Neg()
			default:
				net = decimal.Zero
			}

			saved := gross.Sub(net)
			ratio := decimal.Zero
			if gross.Sign() > 0 {
				ratio = saved.Div(gross).Round(domain.AmountPrecision)
			}

			result.Positions = append(result.Positions, domain.NetPosition{
				ID:              uuid.New(),
				WindowID:        windowID,
				Currency:        currency,
				ParticipantA:    a,
				ParticipantB:    b,
				GrossAToB:       grossAToB,
				GrossBToA:       grossBToA,
				NetAmount:       net,
				NetPayer:        netPayer,
				ObligationCount: count,
				NettingRatio:    ratio,
				AmountSaved:     saved,
				CreatedAt:       now,
			})

			result.Metrics.GrossTotal = result.Metrics.GrossTotal.Add(gross)
			result.Metrics.NetTotal = result.Metrics.NetTotal.Add(net)
			result.Metrics.AmountSaved = result.Metrics.AmountSaved.Add(saved)
			result.Metrics.ObligationCount += count
		}
	}

	result.Metrics.PositionCount = len(result.Positions)
	if result.Metrics.GrossTotal.Sign() > 0 {
		result.Metrics.EfficiencyPct = result.Metrics.AmountSaved.
			Div(result.Metrics.GrossTotal).
			Mul(hundred).
			Round(4)
	}

	c.logger.Info("calculated net positions", map[string]interface{}{
		"window_id":  windowID.String(),
		"positions":  result.Metrics.PositionCount,
		"gross":      result.Metrics.GrossTotal.String(),
		"net":        result.Metrics.NetTotal.String(),
		"saved":      result.Metrics.AmountSaved.String(),
		"efficiency": result.Metrics.EfficiencyPct.String(),
	})

	return result, nil
}

// participantPairs lists unordered pairs with any pre-optimization edge,
// each pair sorted lexically and the list sorted for determinism.
func participantPairs(g *graph.Graph) [][2]string {
	seen := make(map[[2]string]bool)
	var pairs [][2]string
	for _, e := range g.Edges() {
		a, b := g.NodeID(e.From), g.NodeID(e.To)
		if b < a {
			a, b = b, a
		}
		key := [2]string{a, b}
		if !seen[key] {
			seen[key] = true
			pairs = append(pairs, key)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	return pairs
}
