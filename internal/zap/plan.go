package zap

import (
	"IsoLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// Plan is an assembled, unsubmitted batch.
type Plan struct {
	Positions []ledger.Position
	Actions   []ledger.Action
	path      []ledger.MarketID
	// hopEnds holds the index of each hop's producing action.
	hopEnds []int
}

// Prepend inserts a leading action, such as a liquidation.
func (p *Plan) Prepend(a ledger.Action) {
	p.Actions = append([]ledger.Action{a}, p.Actions...)
	for i := range p.hopEnds {
		p.hopEnds[i]++
	}
}

func (p *Plan) Append(a ledger.Action) {
	p.Actions = append(p.Actions, a)
}

func (p *Plan) Path() []ledger.MarketID { return p.path }

// Result resolves the per-hop amounts of a committed plan.
func (p *Plan) Result(receipt *ledger.Receipt, input *uint256.Int) *Result {
	outputs := make([]*uint256.Int, len(p.hopEnds))
	for i, idx := range p.hopEnds {
		if idx < len(receipt.Outputs) && receipt.Outputs[idx] != nil {
			outputs[i] = receipt.Outputs[idx]
		} else {
			outputs[i] = new(uint256.Int)
		}
	}
	return &Result{Receipt: receipt, Path: p.path, InputAmount: input, hopOutputs: outputs}
}

// Result is a committed zap.
type Result struct {
	Receipt     *ledger.Receipt
	Path        []ledger.MarketID
	InputAmount *uint256.Int
	hopOutputs  []*uint256.Int
}

// Output is the amount delivered in the final market of the path.
func (r *Result) Output() *uint256.Int {
	if len(r.hopOutputs) == 0 {
		return new(uint256.Int)
	}
	return r.hopOutputs[len(r.hopOutputs)-1]
}

// AmountAt returns the amount that passed through market on the path.
func (r *Result) AmountAt(market ledger.MarketID) (*uint256.Int, error) {
	i, err := PathIndex(r.Path, market)
	if err != nil {
		return nil, err
	}
	if i == 0 {
		return r.InputAmount, nil
	}
	return r.hopOutputs[i-1], nil
}

// NewPlan starts an empty plan over positions, for batches without hops.
func NewPlan(positions []ledger.Position, path []ledger.MarketID) *Plan {
	return &Plan{Positions: append([]ledger.Position(nil), positions...), path: path}
}
