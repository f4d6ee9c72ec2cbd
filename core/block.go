package core

import "fmt"

// MaxBlockSize is the largest payload a block may carry.
const MaxBlockSize = 64 * 1024

// Block is the unit of storage: a typed, immutable byte payload.
// Its score is always derived from Data and is never supplied by callers.
type Block struct {
	Type uint8
	Data []byte
}

// NewBlock validates the payload size and returns a Block.
func NewBlock(blockType uint8, data []byte) (Block, error) {
	if len(data) > MaxBlockSize {
		return Block{}, fmt.Errorf("%w: %d bytes (max %d)", ErrBlockTooLarge, len(data), MaxBlockSize)
	}
	return Block{Type: blockType, Data: data}, nil
}

// Score computes the content identity of the block.
func (b Block) Score() Score {
	return ScoreOf(b.Data)
}

// Len returns the payload length.
func (b Block) Len() int {
	return len(b.Data)
}
