// Package tradedata encodes the opaque data attached to a hop or an async
// request: abi.encode(uint256 minOutputAmount, bytes extra).
package tradedata

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/holiman/uint256"
)

// WordSize is the size of one ABI word; the minimum output lives in the first.
const WordSize = 32

var ErrMalformed = errors.New("tradedata: malformed trade data")

var arguments abi.Arguments

func init() {
	uintTy, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	bytesTy, err := abi.NewType("bytes", "", nil)
	if err != nil {
		panic(err)
	}
	arguments = abi.Arguments{
		{Name: "minOutputAmount", Type: uintTy},
		{Name: "extra", Type: bytesTy},
	}
}

// Encode packs the minimum output and caller-defined extra bytes.
func Encode(minOutput *uint256.Int, extra []byte) ([]byte, error) {
	if minOutput == nil {
		minOutput = new(uint256.Int)
	}
	if extra == nil {
		extra = []byte{}
	}
	return arguments.Pack(minOutput.ToBig(), extra)
}

// MustEncode is Encode for static inputs.
func MustEncode(minOutput *uint256.Int, extra []byte) []byte {
	data, err := Encode(minOutput, extra)
	if err != nil {
		panic(err)
	}
	return data
}

// MinOutput reads only the leading word, so its cost does not depend on the
// length of data.
func MinOutput(data []byte) (*uint256.Int, error) {
	if len(data) < WordSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(data), WordSize)
	}
	return new(uint256.Int).SetBytes32(data[:WordSize]), nil
}

// Decode fully unpacks data.
func Decode(data []byte) (*uint256.Int, []byte, error) {
	values, err := arguments.Unpack(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(values) != 2 {
		return nil, nil, fmt.Errorf("%w: %d values", ErrMalformed, len(values))
	}
	minBig, ok := values[0].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("%w: min output is %T", ErrMalformed, values[0])
	}
	extra, ok := values[1].([]byte)
	if !ok {
		return nil, nil, fmt.Errorf("%w: extra is %T", ErrMalformed, values[1])
	}
	minOut, overflow := uint256.FromBig(minBig)
	if overflow {
		return nil, nil, fmt.Errorf("%w: min output overflows", ErrMalformed)
	}
	return minOut, extra, nil
}
