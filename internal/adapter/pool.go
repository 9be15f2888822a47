package adapter

import (
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const bpsDenominator = 10_000

// ConstantProductPool is an external-liquidity exchanger over two markets.
// Its reserves are the pool address's token holdings.
type ConstantProductPool struct {
	address common.Address
	ledger  *ledger.Ledger
	marketA ledger.MarketID
	marketB ledger.MarketID
	feeBps  uint64
}

func NewConstantProductPool(address common.Address, l *ledger.Ledger, a, b ledger.MarketID, feeBps uint64) (*ConstantProductPool, error) {
	if a == b {
		return nil, &InvalidPairError{Input: a, Output: b}
	}
	if feeBps >= bpsDenominator {
		return nil, fmt.Errorf("adapter: fee %d bps out of range", feeBps)
	}
	return &ConstantProductPool{address: address, ledger: l, marketA: a, marketB: b, feeBps: feeBps}, nil
}

func (p *ConstantProductPool) Type() TraderType        { return TraderExternalLiquidity }
func (p *ConstantProductPool) Address() common.Address { return p.address }
func (p *ConstantProductPool) ActionsLength() int      { return 1 }
func (p *ConstantProductPool) IsAsync() bool           { return false }

func (p *ConstantProductPool) ValidatePair(input, output ledger.MarketID) error {
	if (input == p.marketA && output == p.marketB) || (input == p.marketB && output == p.marketA) {
		return nil
	}
	return &InvalidPairError{Input: input, Output: output}
}

// Reserves returns the pool holdings of the input and output tokens.
func (p *ConstantProductPool) Reserves(input, output ledger.MarketID) (*uint256.Int, *uint256.Int, error) {
	in, err := p.ledger.Markets().Market(input)
	if err != nil {
		return nil, nil, err
	}
	out, err := p.ledger.Markets().Market(output)
	if err != nil {
		return nil, nil, err
	}
	tokens := p.ledger.Tokens()
	return tokens.BalanceOf(in.Token, p.address), tokens.BalanceOf(out.Token, p.address), nil
}

// quote is amountIn*(1-fee)*rOut / (rIn + amountIn*(1-fee)).
func (p *ConstantProductPool) quote(amount, rIn, rOut *uint256.Int) (*uint256.Int, error) {
	if rIn.IsZero() || rOut.IsZero() {
		return nil, ErrInsufficientLiquidity
	}
	withFee, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(bpsDenominator-p.feeBps))
	if overflow {
		return nil, fpmath.ErrOverflow
	}
	scaledIn, overflow := new(uint256.Int).MulOverflow(rIn, uint256.NewInt(bpsDenominator))
	if overflow {
		return nil, fpmath.ErrOverflow
	}
	denominator, overflow := new(uint256.Int).AddOverflow(scaledIn, withFee)
	if overflow {
		return nil, fpmath.ErrOverflow
	}
	out, err := fpmath.GetPartial(withFee, rOut, denominator, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	if out.IsZero() || !out.Lt(rOut) {
		return nil, ErrInsufficientLiquidity
	}
	return out, nil
}

func (p *ConstantProductPool) GetExchangeCost(_ context.Context, input, output ledger.MarketID, amount *uint256.Int, _ []byte) (*uint256.Int, error) {
	if err := p.ValidatePair(input, output); err != nil {
		return nil, err
	}
	if err := checkInput(amount); err != nil {
		return nil, err
	}
	rIn, rOut, err := p.Reserves(input, output)
	if err != nil {
		return nil, err
	}
	return p.quote(amount, rIn, rOut)
}

func (p *ConstantProductPool) CreateActions(params ActionParams) ([]ledger.Action, error) {
	if err := p.ValidatePair(params.InputMarket, params.OutputMarket); err != nil {
		return nil, err
	}
	return []ledger.Action{sellAction(p.address, params)}, nil
}

// Exchange prices against the reserves as they were before the input arrived.
func (p *ConstantProductPool) Exchange(_ context.Context, caller common.Address, req ledger.ExchangeRequest) (*uint256.Int, error) {
	if err := checkCaller(p.ledger.Address(), caller); err != nil {
		return nil, err
	}
	if err := p.ValidatePair(req.InputMarket, req.OutputMarket); err != nil {
		return nil, err
	}
	if err := checkInput(req.InputAmount); err != nil {
		return nil, err
	}
	rIn, rOut, err := p.Reserves(req.InputMarket, req.OutputMarket)
	if err != nil {
		return nil, err
	}
	if rIn.Lt(req.InputAmount) {
		return nil, fmt.Errorf("%w: input %s not received", ErrInsufficientLiquidity, req.InputAmount)
	}
	rIn.Sub(rIn, req.InputAmount)
	out, err := p.quote(req.InputAmount, rIn, rOut)
	if err != nil {
		return nil, err
	}
	if err := checkOutput(out, req.Data); err != nil {
		return nil, err
	}
	return out, nil
}
