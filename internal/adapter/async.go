package adapter

import (
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/tradedata"
	"IsoLedger/internal/vault"
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AsyncWrapper hands wrap conversions to the venue. The vault is credited
// the minimum output immediately; the surplus arrives with the callback.
type AsyncWrapper struct {
	isolation
	requests *vault.AsyncRegistry
	inputs   pairSet
}

func NewAsyncWrapper(address common.Address, l *ledger.Ledger, requests *vault.AsyncRegistry, inputs []ledger.MarketID) *AsyncWrapper {
	return &AsyncWrapper{
		isolation: isolation{address: address, ledger: l, factory: requests.Factory()},
		requests:  requests,
		inputs:    newPairSet(inputs),
	}
}

func (w *AsyncWrapper) Type() TraderType   { return TraderIsolationWrapper }
func (w *AsyncWrapper) ActionsLength() int { return 1 }
func (w *AsyncWrapper) IsAsync() bool      { return true }

func (w *AsyncWrapper) ValidatePair(input, output ledger.MarketID) error {
	if !w.inputs.has(input) || output != w.isoMarket() {
		return &InvalidPairError{Input: input, Output: output}
	}
	return nil
}

func (w *AsyncWrapper) IsValidInputToken(token common.Address) bool {
	return w.isTokenOf(token, w.inputs)
}

func (w *AsyncWrapper) GetExchangeCost(context.Context, ledger.MarketID, ledger.MarketID, *uint256.Int, []byte) (*uint256.Int, error) {
	return nil, ErrExchangeCostUnsupported
}

func (w *AsyncWrapper) CreateActions(p ActionParams) ([]ledger.Action, error) {
	if err := w.ValidatePair(p.InputMarket, p.OutputMarket); err != nil {
		return nil, err
	}
	return []ledger.Action{sellAction(w.address, p)}, nil
}

func (w *AsyncWrapper) Exchange(ctx context.Context, caller common.Address, req ledger.ExchangeRequest) (*uint256.Int, error) {
	if err := checkCaller(w.ledger.Address(), caller); err != nil {
		return nil, err
	}
	if err := w.ValidatePair(req.InputMarket, req.OutputMarket); err != nil {
		return nil, err
	}
	if err := checkInput(req.InputAmount); err != nil {
		return nil, err
	}
	pos, err := w.requireVaultOriginator(req)
	if err != nil {
		return nil, err
	}
	minOut, err := tradedata.MinOutput(req.Data)
	if err != nil {
		return nil, err
	}

	_, err = w.requests.CreateDeposit(ctx, vault.DepositParams{
		Position:    pos,
		InputMarket: req.InputMarket,
		InputAmount: req.InputAmount,
		ExtraData:   req.Data,
		Custodian:   w.address,
	})
	if err != nil {
		return nil, err
	}

	tokens := w.ledger.Tokens()
	// the input now belongs to the venue
	if err := tokens.Burn(req.InputToken, w.address, req.InputAmount); err != nil {
		return nil, err
	}
	tokens.Mint(req.OutputToken, w.address, minOut)
	return minOut, nil
}

// AsyncUnwrapper completes liquidations of async isolation positions by
// releasing the output of the vault's executed liquidation request.
type AsyncUnwrapper struct {
	isolation
	requests *vault.AsyncRegistry
	outputs  pairSet
}

func NewAsyncUnwrapper(address common.Address, l *ledger.Ledger, requests *vault.AsyncRegistry, outputs []ledger.MarketID) *AsyncUnwrapper {
	return &AsyncUnwrapper{
		isolation: isolation{address: address, ledger: l, factory: requests.Factory()},
		requests:  requests,
		outputs:   newPairSet(outputs),
	}
}

func (u *AsyncUnwrapper) Type() TraderType   { return TraderIsolationUnwrapper }
func (u *AsyncUnwrapper) ActionsLength() int { return 2 }
func (u *AsyncUnwrapper) IsAsync() bool      { return true }

func (u *AsyncUnwrapper) ValidatePair(input, output ledger.MarketID) error {
	if input != u.isoMarket() || !u.outputs.has(output) {
		return &InvalidPairError{Input: input, Output: output}
	}
	return nil
}

func (u *AsyncUnwrapper) IsValidOutputToken(token common.Address) bool {
	return u.isTokenOf(token, u.outputs)
}

func (u *AsyncUnwrapper) GetExchangeCost(context.Context, ledger.MarketID, ledger.MarketID, *uint256.Int, []byte) (*uint256.Int, error) {
	return nil, ErrExchangeCostUnsupported
}

func (u *AsyncUnwrapper) CreateActions(p ActionParams) ([]ledger.Action, error) {
	if err := u.ValidatePair(p.InputMarket, p.OutputMarket); err != nil {
		return nil, err
	}
	return u.unwrapActions(p), nil
}

func (u *AsyncUnwrapper) Exchange(ctx context.Context, caller common.Address, req ledger.ExchangeRequest) (*uint256.Int, error) {
	if err := checkCaller(u.ledger.Address(), caller); err != nil {
		return nil, err
	}
	if err := u.ValidatePair(req.InputMarket, req.OutputMarket); err != nil {
		return nil, err
	}
	if err := checkInput(req.InputAmount); err != nil {
		return nil, err
	}
	pos, err := u.source(req)
	if err != nil {
		return nil, err
	}
	if executed, ok := u.requests.ExecutedLiquidation(pos); ok && executed.OutputMarket != req.OutputMarket {
		return nil, &InvalidPairError{Input: req.InputMarket, Output: req.OutputMarket}
	}
	output, err := u.requests.ConsumeLiquidation(ctx, pos, u.address, req.InputAmount)
	if err != nil {
		return nil, err
	}
	if err := checkOutput(output, req.Data); err != nil {
		return nil, err
	}
	if err := u.ledger.Tokens().Burn(req.InputToken, u.address, req.InputAmount); err != nil {
		return nil, err
	}
	return output, nil
}
