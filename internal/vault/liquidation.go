package vault

import (
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ExecutedLiquidation returns the executed liquidation request of pos, if any.
func (r *AsyncRegistry) ExecutedLiquidation(pos ledger.Position) (*Request, bool) {
	req, ok := r.liquidationFor(pos)
	if !ok || req.Status != StatusExecuted {
		return nil, false
	}
	return req.Clone(), true
}

// ConsumeLiquidation releases output held for an executed liquidation
// request, pro-rata to the isolation amount sold. It runs inside the
// liquidation batch: the request is restored if the batch reverts and
// deleted once fully consumed.
func (r *AsyncRegistry) ConsumeLiquidation(
	ctx context.Context,
	pos ledger.Position,
	custodian common.Address,
	input *uint256.Int,
) (*uint256.Int, error) {
	req, ok := r.liquidationFor(pos)
	if !ok || req.Status != StatusExecuted {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutedLiquidation, pos)
	}
	if custodian != req.Custodian {
		return nil, fmt.Errorf("%w: custodian %s", ErrNotAuthorized, custodian.Hex())
	}
	if input == nil || input.IsZero() {
		return nil, ErrZeroAmount
	}
	if input.Gt(req.InputAmount) {
		return nil, fmt.Errorf("%w: %s > %s", ErrConsumeExceedsRequest, input, req.InputAmount)
	}

	output := new(uint256.Int).Set(req.OutputAmount)
	if !input.Eq(req.InputAmount) {
		var err error
		if output, err = fpmath.GetPartial(req.OutputAmount, input, req.InputAmount, fpmath.RoundDown); err != nil {
			return nil, err
		}
	}

	prev := req.Clone()
	req.InputAmount = new(uint256.Int).Sub(req.InputAmount, input)
	req.OutputAmount = new(uint256.Int).Sub(req.OutputAmount, output)
	req.Custody.Amount = new(uint256.Int).Sub(req.Custody.Amount, output)
	done := req.InputAmount.IsZero()
	if done {
		r.remove(req)
	}

	ledger.OnRevert(ctx, func() {
		r.remove(req)
		r.put(prev)
	})
	ledger.OnCommit(ctx, func() {
		if done {
			r.forget(ctx, req.Key)
		} else {
			r.persist(ctx, req)
		}
		r.logRequest(r.logger.Info(), req).
			Str("input", input.Dec()).
			Str("output", output.Dec()).
			Bool("consumed", done).
			Msg("liquidation output released")
	})
	return output, nil
}
