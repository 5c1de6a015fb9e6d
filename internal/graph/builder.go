// ==============================================================================
// GRAPH BUILDER - internal/graph/builder.go
// ==============================================================================
package graph

import (
	"regexp"

	"railnet/internal/domain"
	"railnet/pkg/errors"
	"railnet/pkg/logger"

	"github.com/shopspring/decimal"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Builder converts a closed window's pending obligations into one directed
// graph per currency.
type Builder struct {
	maxAmount decimal.Decimal
	logger    logger.Logger
}

func NewBuilder(maxAmount decimal.Decimal, log logger.Logger) *Builder {
	return &Builder{maxAmount: maxAmount, logger: log}
}

// BuildGraphs aggregates obligations into per-currency graphs. No obligation
// is dropped or double-counted: after construction every edge weight is
// checked against the sum of the obligations that fed it. An overflow halts
// construction with the offending currency in the error; a failed aggregation
// never mutates an edge, so the other currency graphs stay intact.
func (b *Builder) BuildGraphs(obligations []domain.Obligation) (map[domain.Currency]*Graph, error) {
	graphs := make(map[domain.Currency]*Graph)

	// Recomputed independently from the adjacency so the construction
	// invariant check below is not comparing a value with itself.
	type edgeKey struct {
		currency domain.Currency
		payer    string
		payee    string
	}
	sums := make(map[edgeKey]decimal.Decimal)

	for _, ob := range obligations {
		if ob.Amount.Sign() <= 0 {
			return nil, errors.Wrap(errors.ErrNonPositiveAmount, "obligation "+ob.ID.String())
		}
		if !currencyPattern.MatchString(string(ob.Currency)) {
			return nil, errors.Wrap(errors.ErrInvalidCurrency, "obligation "+ob.ID.String())
		}
		if ob.PayerID == ob.PayeeID {
			return nil, errors.Wrap(errors.ErrSelfObligation, "obligation "+ob.ID.String())
		}

		g, ok := graphs[ob.Currency]
		if !ok {
			g = New(ob.Currency)
			graphs[ob.Currency] = g
		}

		payer := g.Node(ob.PayerID)
		payee := g.Node(ob.PayeeID)

		if err := g.AddEdge(payer, payee, ob.Amount, b.maxAmount); err != nil {
			b.logger.Error("graph construction failed", map[string]interface{}{
				"currency":      ob.Currency,
				"obligation_id": ob.ID.String(),
				"error":         err.Error(),
			})
			return nil, errors.Wrap(err, "currency "+string(ob.Currency))
		}

		key := edgeKey{ob.Currency, ob.PayerID, ob.PayeeID}
		sums[key] = sums[key].Add(ob.Amount)
	}

	// Construction invariant: each edge weight equals the sum of its
	// obligations exactly.
	for key, want := range sums {
		g := graphs[key.currency]
		from, _ := g.NodeIndex(key.payer)
		to, _ := g.NodeIndex(key.payee)
		if !g.Weight(from, to).Equal(want) {
			b.logger.Error("edge sum mismatch after construction", map[string]interface{}{
				"currency": key.currency,
				"payer":    key.payer,
				"payee":    key.payee,
				"edge":     g.Weight(from, to).String(),
				"expected": want.String(),
			})
			return nil, errors.ErrDoubleCountedObligation
		}
	}

	for currency, g := range graphs {
		b.logger.Debug("built currency graph", map[string]interface{}{
			"currency":     currency,
			"participants": g.NodeCount(),
			"edges":        g.EdgeCount(),
			"gross":        g.TotalWeight().String(),
		})
	}

	return graphs, nil
}
