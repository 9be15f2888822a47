package vault

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const KeyChainSeed = "IsoLedger:async-request:v1"

// KeyChain issues request keys. key[N] = keccak256(key[N-1] || nonce || vault
// || account). Keys are never reissued, even after the request is deleted.
type KeyChain struct {
	prev  common.Hash
	nonce uint64
	used  map[common.Hash]struct{}
}

func NewKeyChain() *KeyChain {
	return &KeyChain{
		prev: crypto.Keccak256Hash([]byte(KeyChainSeed)),
		used: make(map[common.Hash]struct{}),
	}
}

// Next derives the next key for (vault, account).
func (c *KeyChain) Next(vault common.Address, account uint64) common.Hash {
	for {
		var nonceBuf, accountBuf [8]byte
		binary.BigEndian.PutUint64(nonceBuf[:], c.nonce)
		binary.BigEndian.PutUint64(accountBuf[:], account)

		key := crypto.Keccak256Hash(c.prev[:], nonceBuf[:], vault.Bytes(), accountBuf[:])
		c.prev = key
		c.nonce++
		if _, taken := c.used[key]; taken {
			continue
		}
		c.used[key] = struct{}{}
		return key
	}
}

func (c *KeyChain) IsUsed(key common.Hash) bool {
	_, ok := c.used[key]
	return ok
}

// Tip returns the chain state needed to resume issuing keys after restart.
func (c *KeyChain) Tip() (common.Hash, uint64) {
	return c.prev, c.nonce
}

// Restore resumes a chain from a persisted tip.
func (c *KeyChain) Restore(prev common.Hash, nonce uint64, used []common.Hash) {
	c.prev = prev
	c.nonce = nonce
	for _, k := range used {
		c.used[k] = struct{}{}
	}
}
