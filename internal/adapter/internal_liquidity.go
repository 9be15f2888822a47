package adapter

import (
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InternalLiquidity trades against an approved maker position at oracle
// prices. The maker must have made this trader its operator.
type InternalLiquidity struct {
	address common.Address
	ledger  *ledger.Ledger
	makers  map[common.Address]struct{}
}

func NewInternalLiquidity(address common.Address, l *ledger.Ledger) *InternalLiquidity {
	return &InternalLiquidity{address: address, ledger: l, makers: make(map[common.Address]struct{})}
}

func (t *InternalLiquidity) Type() TraderType        { return TraderInternalLiquidity }
func (t *InternalLiquidity) Address() common.Address { return t.address }
func (t *InternalLiquidity) ActionsLength() int      { return 1 }
func (t *InternalLiquidity) IsAsync() bool           { return false }

func (t *InternalLiquidity) ApproveMaker(owner common.Address, approved bool) {
	if approved {
		t.makers[owner] = struct{}{}
		return
	}
	delete(t.makers, owner)
}

func (t *InternalLiquidity) ValidatePair(input, output ledger.MarketID) error {
	if input == output {
		return &InvalidPairError{Input: input, Output: output}
	}
	if _, err := t.ledger.Markets().Market(input); err != nil {
		return &InvalidPairError{Input: input, Output: output}
	}
	if _, err := t.ledger.Markets().Market(output); err != nil {
		return &InvalidPairError{Input: input, Output: output}
	}
	return nil
}

// quote converts at input price / output price, rounded down.
func (t *InternalLiquidity) quote(input, output ledger.MarketID, amount *uint256.Int) (*uint256.Int, error) {
	pIn, err := t.ledger.GetMarketPrice(input)
	if err != nil {
		return nil, err
	}
	pOut, err := t.ledger.GetMarketPrice(output)
	if err != nil {
		return nil, err
	}
	return fpmath.GetPartial(amount, pIn, pOut, fpmath.RoundDown)
}

func (t *InternalLiquidity) GetExchangeCost(_ context.Context, input, output ledger.MarketID, amount *uint256.Int, _ []byte) (*uint256.Int, error) {
	if err := t.ValidatePair(input, output); err != nil {
		return nil, err
	}
	if err := checkInput(amount); err != nil {
		return nil, err
	}
	return t.quote(input, output, amount)
}

func (t *InternalLiquidity) CreateActions(p ActionParams) ([]ledger.Action, error) {
	if err := t.ValidatePair(p.InputMarket, p.OutputMarket); err != nil {
		return nil, err
	}
	if p.MakerAccountIndex == p.PrimaryAccountIndex {
		return nil, fmt.Errorf("%w: maker index equals taker index", ErrMakerNotApproved)
	}
	return []ledger.Action{{
		Type:              ledger.ActionTrade,
		AccountIndex:      p.PrimaryAccountIndex,
		OtherAccountIndex: p.MakerAccountIndex,
		PrimaryMarket:     p.InputMarket,
		SecondaryMarket:   p.OutputMarket,
		Amount:            p.InputAmount,
		Address:           t.address,
		Data:              p.TradeData,
	}}, nil
}

func (t *InternalLiquidity) GetTradeCost(_ context.Context, caller common.Address, req ledger.TradeRequest) (*uint256.Int, error) {
	if err := checkCaller(t.ledger.Address(), caller); err != nil {
		return nil, err
	}
	if err := t.ValidatePair(req.InputMarket, req.OutputMarket); err != nil {
		return nil, err
	}
	if err := checkInput(req.InputAmount); err != nil {
		return nil, err
	}
	if _, ok := t.makers[req.Maker.Owner]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMakerNotApproved, req.Maker.Owner.Hex())
	}
	out, err := t.quote(req.InputMarket, req.OutputMarket, req.InputAmount)
	if err != nil {
		return nil, err
	}
	if err := checkOutput(out, req.Data); err != nil {
		return nil, err
	}
	available, negative, err := fpmath.FromSigned(t.ledger.GetAccountBalance(req.Maker, req.OutputMarket))
	if err != nil {
		return nil, err
	}
	if negative || available.Lt(out) {
		return nil, fmt.Errorf("%w: maker %s holds %s, needs %s", ErrInsufficientLiquidity, req.Maker, available, out)
	}
	return out, nil
}
