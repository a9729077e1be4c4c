package core

import (
	"TokenLedger/internal/ledger"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

const GenesisHashSeed = "TokenLedger:genesis:v1"

// BlockSequencer assigns settlement references to confirmed transfers.
// Numbers are strictly increasing; each hash chains the previous one.
type BlockSequencer struct {
	mu       sync.Mutex
	number   int64
	prevHash [32]byte
}

// NewBlockSequencer resumes after tip. A zero tip starts from the genesis hash.
func NewBlockSequencer(tip ledger.BlockRef) (*BlockSequencer, error) {
	s := &BlockSequencer{
		number:   tip.Number,
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
	if tip.Hash == "" {
		return s, nil
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(tip.Hash, "0x"))
	if err != nil || len(raw) != sha256.Size {
		return nil, fmt.Errorf("invalid block hash %q", tip.Hash)
	}
	copy(s.prevHash[:], raw)
	return s, nil
}

// Next computes hash[N] = SHA-256(prev_hash || N || tx_id) and advances the tip.
func (s *BlockSequencer) Next(txID string) ledger.BlockRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.number++

	hasher := sha256.New()

	// Write prev_hash (32 bytes)
	hasher.Write(s.prevHash[:])

	// Write number (8 bytes LE)
	var numBuf [8]byte
	binary.LittleEndian.PutUint64(numBuf[:], uint64(s.number))
	hasher.Write(numBuf[:])

	hasher.Write([]byte(txID))

	copy(s.prevHash[:], hasher.Sum(nil))

	return ledger.BlockRef{
		Hash:   "0x" + hex.EncodeToString(s.prevHash[:]),
		Number: s.number,
	}
}

// Tip returns the last assigned reference.
func (s *BlockSequencer) Tip() ledger.BlockRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ledger.BlockRef{
		Hash:   "0x" + hex.EncodeToString(s.prevHash[:]),
		Number: s.number,
	}
}
