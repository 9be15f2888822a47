package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ActionType is the primitive operation performed by one Action.
type ActionType uint8

const (
	ActionDeposit ActionType = iota
	ActionWithdraw
	ActionTransfer
	ActionSell
	ActionTrade
	ActionLiquidate
	ActionCall
)

func (t ActionType) String() string {
	switch t {
	case ActionDeposit:
		return "deposit"
	case ActionWithdraw:
		return "withdraw"
	case ActionTransfer:
		return "transfer"
	case ActionSell:
		return "sell"
	case ActionTrade:
		return "trade"
	case ActionLiquidate:
		return "liquidate"
	case ActionCall:
		return "call"
	default:
		return "unknown"
	}
}

// AmountKind selects how an action's amount is resolved at execution time.
type AmountKind uint8

const (
	// AmountExact uses AmountRef.Value as-is.
	AmountExact AmountKind = iota
	// AmountPreviousOutput uses the output of the most recent sell, trade
	// or liquidate action in the batch.
	AmountPreviousOutput
	// AmountAllBalance uses the full positive balance of the source.
	AmountAllBalance
)

type AmountRef struct {
	Kind  AmountKind
	Value *uint256.Int
}

func Exact(v *uint256.Int) AmountRef { return AmountRef{Kind: AmountExact, Value: v} }

func PreviousOutput() AmountRef { return AmountRef{Kind: AmountPreviousOutput} }

func AllBalance() AmountRef { return AmountRef{Kind: AmountAllBalance} }

// Action is one primitive step of an atomic batch.
//
// Field usage by type:
//
//	Deposit    PrimaryMarket, Amount, Address = source wallet
//	Withdraw   PrimaryMarket, Amount, Address = destination wallet
//	Transfer   PrimaryMarket, Amount, OtherAccountIndex = receiver
//	Sell       PrimaryMarket = input, SecondaryMarket = output, Address = Exchanger
//	Trade      PrimaryMarket = input, SecondaryMarket = output, Address = AutoTrader,
//	           OtherAccountIndex = maker
//	Liquidate  PrimaryMarket = owed, SecondaryMarket = held, Amount = owed repaid,
//	           OtherAmount = held seized, OtherAccountIndex = liquid position
//	Call       Address = Callee, Amount forwarded to the callee
type Action struct {
	Type              ActionType
	AccountIndex      int
	OtherAccountIndex int
	PrimaryMarket     MarketID
	SecondaryMarket   MarketID
	Amount            AmountRef
	OtherAmount       *uint256.Int
	Address           common.Address
	Data              []byte
}

// BalanceCheckMode selects which positions must be collateralized once the
// batch has been applied.
type BalanceCheckMode uint8

const (
	BalanceCheckNone BalanceCheckMode = iota
	BalanceCheckSender
	BalanceCheckBoth
)

func (m BalanceCheckMode) String() string {
	switch m {
	case BalanceCheckNone:
		return "none"
	case BalanceCheckSender:
		return "sender"
	case BalanceCheckBoth:
		return "both"
	default:
		return "unknown"
	}
}

// Receipt describes a committed batch.
type Receipt struct {
	BatchID uuid.UUID
	Sender  common.Address
	// Outputs holds, per action index, the amount produced by sell, trade
	// and liquidate actions. Other entries are nil.
	Outputs []*uint256.Int
}

// LastOutput returns the output of the final producing action.
func (r *Receipt) LastOutput() *uint256.Int {
	for i := len(r.Outputs) - 1; i >= 0; i-- {
		if r.Outputs[i] != nil {
			return r.Outputs[i]
		}
	}
	return new(uint256.Int)
}

// ExchangeRequest is handed to an Exchanger by a sell action. The input
// tokens have already been moved to the exchanger's wallet; the exchanger
// must leave the returned output amount of OutputToken in its wallet.
type ExchangeRequest struct {
	Originator common.Address
	// OriginatorAccount is the account number of the selling position.
	OriginatorAccount uint64
	Receiver          common.Address
	InputMarket       MarketID
	OutputMarket      MarketID
	InputToken        common.Address
	OutputToken       common.Address
	InputAmount       *uint256.Int
	Data              []byte
}

type Exchanger interface {
	Exchange(ctx context.Context, caller common.Address, req ExchangeRequest) (*uint256.Int, error)
}

// TradeRequest is handed to an AutoTrader by a trade action.
type TradeRequest struct {
	Taker        Position
	Maker        Position
	InputMarket  MarketID
	OutputMarket MarketID
	InputAmount  *uint256.Int
	Data         []byte
}

type AutoTrader interface {
	GetTradeCost(ctx context.Context, caller common.Address, req TradeRequest) (*uint256.Int, error)
}

// Callee receives call actions.
type Callee interface {
	CallFunction(ctx context.Context, sender common.Address, position Position, amount *uint256.Int, data []byte) error
}
