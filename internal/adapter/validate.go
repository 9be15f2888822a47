package adapter

import (
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/tradedata"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func checkCaller(ledgerAddr, caller common.Address) error {
	if caller != ledgerAddr {
		return ErrNotLedger
	}
	return nil
}

func checkInput(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroInput
	}
	return nil
}

// checkOutput compares output against the minimum in the leading word of
// data. Empty data carries no minimum.
func checkOutput(output *uint256.Int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	minOut, err := tradedata.MinOutput(data)
	if err != nil {
		return err
	}
	if output.Lt(minOut) {
		return &InsufficientOutputError{Output: new(uint256.Int).Set(output), MinOutput: minOut}
	}
	return nil
}

// pairSet is a set of markets allowed on the non-isolation side of a pair.
type pairSet map[ledger.MarketID]struct{}

func newPairSet(markets []ledger.MarketID) pairSet {
	s := make(pairSet, len(markets))
	for _, m := range markets {
		s[m] = struct{}{}
	}
	return s
}

func (s pairSet) has(m ledger.MarketID) bool {
	_, ok := s[m]
	return ok
}
