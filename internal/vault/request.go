package vault

import (
	"IsoLedger/internal/ledger"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Kind distinguishes wrap (deposit) from unwrap (withdrawal) conversions.
type Kind uint8

const (
	KindDeposit Kind = iota + 1
	KindWithdrawal
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdrawal:
		return "withdrawal"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "deposit":
		return KindDeposit, nil
	case "withdrawal":
		return KindWithdrawal, nil
	}
	return 0, fmt.Errorf("unknown request kind %q", s)
}

// Status is the lifecycle state of a live request. Deleted requests have no
// status: they no longer exist.
type Status uint8

const (
	StatusPending Status = iota + 1
	// StatusExecuted: a liquidation withdrawal whose output is held by the
	// custodian waiting to be consumed by a liquidation batch.
	StatusExecuted
	// StatusFailedRetryable: the venue reported failure or post-processing
	// failed. Funds named in Custody are held by the custodian.
	StatusFailedRetryable
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuted:
		return "executed"
	case StatusFailedRetryable:
		return "failed_retryable"
	default:
		return "unknown"
	}
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "executed":
		return StatusExecuted, nil
	case "failed_retryable":
		return StatusFailedRetryable, nil
	}
	return 0, fmt.Errorf("unknown request status %q", s)
}

// Custody names the tokens a custodian adapter holds on behalf of a request.
type Custody struct {
	Token  common.Address
	Amount *uint256.Int
}

func (c Custody) IsEmpty() bool {
	return c.Amount == nil || c.Amount.IsZero()
}

func (c Custody) String() string {
	if c.IsEmpty() {
		return "none"
	}
	return fmt.Sprintf("%s:%s", c.Token.Hex(), c.Amount)
}

// Request is an async conversion delegated to the external venue.
type Request struct {
	Key           common.Hash
	Kind          Kind
	Vault         common.Address
	AccountNumber uint64

	InputMarket     ledger.MarketID
	InputToken      common.Address
	InputAmount     *uint256.Int
	OutputMarket    ledger.MarketID
	OutputToken     common.Address
	MinOutputAmount *uint256.Int
	OutputAmount    *uint256.Int

	IsRetryable   bool
	IsLiquidation bool
	Status        Status
	// Attempts counts venue attempts that came back failed.
	Attempts uint32

	// extraData is never stored; callbacks are matched against its length
	// and hash.
	ExtraDataHash common.Hash
	ExtraDataLen  int

	CreatedAt time.Time
	Custody   Custody
	Custodian common.Address
	Initiator common.Address
	LastError string
}

func (r *Request) Position() ledger.Position {
	return ledger.Position{Owner: r.Vault, Number: r.AccountNumber}
}

// HasDeliveredOutput reports whether the custodian holds this request's output.
func (r *Request) HasDeliveredOutput() bool {
	return !r.Custody.IsEmpty() && r.Custody.Token == r.OutputToken && r.OutputAmount != nil
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	cp := *r
	cp.InputAmount = cloneInt(r.InputAmount)
	cp.MinOutputAmount = cloneInt(r.MinOutputAmount)
	cp.OutputAmount = cloneInt(r.OutputAmount)
	cp.Custody.Amount = cloneInt(r.Custody.Amount)
	return &cp
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}
