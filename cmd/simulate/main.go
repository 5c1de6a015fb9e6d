// ==============================================================================
// CLEARING SIMULATOR - cmd/simulate/main.go
// ==============================================================================
// Runs the netting pipeline in memory against a generated obligation set and
// prints the results. No database or Redis required; useful for eyeballing
// netting efficiency with different participant counts.
// ==============================================================================
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"railnet/internal/domain"
	"railnet/internal/graph"
	"railnet/internal/netting"
	"railnet/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func main() {
	participants := flag.Int("participants", 8, "number of participants")
	obligations := flag.Int("obligations", 200, "number of obligations")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	if *participants < 2 {
		fmt.Fprintln(os.Stderr, "need at least 2 participants")
		os.Exit(1)
	}

	log := logger.NewNop()
	rng := rand.New(rand.NewSource(*seed))

	names := make([]string, *participants)
	for i := range names {
		names[i] = fmt.Sprintf("BANK%02d", i+1)
	}
	currencies := []domain.Currency{domain.USD, domain.EUR, domain.GBP}

	windowID := uuid.New()
	set := make([]domain.Obligation, 0, *obligations)
	for i := 0; i < *obligations; i++ {
		payer := names[rng.Intn(len(names))]
		payee := names[rng.Intn(len(names))]
		for payee == payer {
			payee = names[rng.Intn(len(names))]
		}
		amount := decimal.NewFromInt(int64(rng.Intn(999_000) + 1_000))
		set = append(set, domain.Obligation{
			ID:       uuid.New(),
			WindowID: windowID,
			PayerID:  payer,
			PayeeID:  payee,
			Currency: currencies[rng.Intn(len(currencies))],
			Amount:   amount,
			Status:   domain.ObligationStatusPending,
		})
	}

	maxAmount, _ := decimal.NewFromString("1000000000000000")
	dust, _ := decimal.NewFromString("0.00000001")

	builder := graph.NewBuilder(maxAmount, log)
	pre, err := builder.BuildGraphs(set)
	if err != nil {
		fmt.Fprintf(os.Stderr, "graph construction failed: %v\n", err)
		os.Exit(1)
	}

	optimizer := graph.NewOptimizer(dust, log)
	post := make(map[domain.Currency]*graph.Graph, len(pre))
	totalCycles := 0
	eliminated := decimal.Zero
	for currency, g := range pre {
		clone := g.Clone()
		stats, err := optimizer.Optimize(clone)
		if err != nil {
			fmt.Fprintf(os.Stderr, "optimization failed for %s: %v\n", currency, err)
			os.Exit(1)
		}
		post[currency] = clone
		totalCycles += stats.CyclesFound
		eliminated = eliminated.Add(stats.AmountEliminated)
	}

	calc := netting.NewCalculator(log)
	result, err := calc.Calculate(windowID, pre, post)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netting failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("participants:     %d\n", *participants)
	fmt.Printf("obligations:      %d\n", len(set))
	fmt.Printf("currencies:       %d\n", len(pre))
	fmt.Printf("cycles found:     %d\n", totalCycles)
	fmt.Printf("cycle eliminated: %s\n", eliminated.StringFixed(2))
	fmt.Printf("net positions:    %d\n", len(result.Positions))
	fmt.Printf("gross total:      %s\n", result.Metrics.GrossTotal.StringFixed(2))
	fmt.Printf("net total:        %s\n", result.Metrics.NetTotal.StringFixed(2))
	fmt.Printf("amount saved:     %s\n", result.Metrics.AmountSaved.StringFixed(2))
	fmt.Printf("efficiency:       %s%%\n", result.Metrics.EfficiencyPct.StringFixed(2))
}
