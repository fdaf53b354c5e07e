package nanopeft

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Block represents a KV cache block
type Block struct {
	BlockID  int
	RefCount int
	Hash     uint64
	TokenIDs []int
}

// NewBlock creates a new block
func NewBlock(blockID int) *Block {
	return &Block{
		BlockID:  blockID,
		RefCount: 0,
		Hash:     0,
		TokenIDs: make([]int, 0),
	}
}

// Update updates the block's hash and token IDs
func (b *Block) Update(hash uint64, tokenIDs []int) {
	b.Hash = hash
	b.TokenIDs = make([]int, len(tokenIDs))
	copy(b.TokenIDs, tokenIDs)
}

// Reset resets the block for reuse
func (b *Block) Reset() {
	b.RefCount = 1
	b.Hash = 0
	b.TokenIDs = make([]int, 0)
}

// BlockManager manages KV cache blocks with prefix caching
type BlockManager struct {
	blockSize     int
	blocks        []*Block
	hashToBlockID map[uint64]int
	freeBlockIDs  []int
	usedBlockIDs  map[int]bool
}

// NewBlockManager creates a new block manager
func NewBlockManager(numBlocks int, blockSize int) *BlockManager {
	blocks := make([]*Block, numBlocks)
	freeBlockIDs := make([]int, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks[i] = NewBlock(i)
		freeBlockIDs[i] = i
	}

	return &BlockManager{
		blockSize:     blockSize,
		blocks:        blocks,
		hashToBlockID: make(map[uint64]int),
		freeBlockIDs:  freeBlockIDs,
		usedBlockIDs:  make(map[int]bool),
	}
}

// ComputeHash computes the hash of token IDs chained onto an optional
// prefix hash, so equal blocks only match when their prefixes match too.
func (bm *BlockManager) ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()

	var buf [8]byte
	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}

	for _, tokenID := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tokenID))
		h.Write(buf[:4])
	}

	return h.Sum64()
}

// allocateBlock marks a free block as used and resets it
func (bm *BlockManager) allocateBlock(blockID int) *Block {
	block := bm.blocks[blockID]
	if block.RefCount != 0 {
		panic("block is already allocated")
	}

	block.Reset()

	for i, id := range bm.freeBlockIDs {
		if id == blockID {
			bm.freeBlockIDs = append(bm.freeBlockIDs[:i], bm.freeBlockIDs[i+1:]...)
			break
		}
	}

	bm.usedBlockIDs[blockID] = true
	return block
}

// deallocateBlock returns a block to the free list
func (bm *BlockManager) deallocateBlock(blockID int) {
	if bm.blocks[blockID].RefCount != 0 {
		panic("block still has references")
	}

	delete(bm.usedBlockIDs, blockID)
	bm.freeBlockIDs = append(bm.freeBlockIDs, blockID)
}

// CanAllocate checks if there are enough free blocks for a sequence
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return len(bm.freeBlockIDs) >= seq.NumBlocks()
}

// Allocate assigns blocks to a sequence, reusing hash-matched cached
// blocks for the leading full blocks.
func (bm *BlockManager) Allocate(seq *Sequence) {
	if len(seq.BlockTable) > 0 {
		panic("sequence already has blocks allocated")
	}

	var h uint64 = 0
	cacheMiss := false

	for i := 0; i < seq.NumBlocks(); i++ {
		tokenIDs := seq.Block(i)

		// Only full blocks participate in the prefix cache.
		if len(tokenIDs) == bm.blockSize {
			h = bm.ComputeHash(tokenIDs, h)
		} else {
			h = 0
		}

		blockID := -1
		if h != 0 {
			if id, ok := bm.hashToBlockID[h]; ok && tokensEqual(bm.blocks[id].TokenIDs, tokenIDs) {
				blockID = id
			}
		}
		if blockID == -1 {
			cacheMiss = true
		}

		if cacheMiss {
			blockID = bm.freeBlockIDs[0]
			bm.allocateBlock(blockID)
		} else {
			seq.NumCachedTokens += bm.blockSize
			if bm.usedBlockIDs[blockID] {
				bm.blocks[blockID].RefCount++
			} else {
				// Cache hit on a block sitting in the free list:
				// reclaim it, Update below restores its hash.
				bm.allocateBlock(blockID)
			}
		}

		if h != 0 {
			bm.blocks[blockID].Update(h, tokenIDs)
			bm.hashToBlockID[h] = blockID
		}

		seq.BlockTable = append(seq.BlockTable, blockID)
	}
}

func tokensEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Deallocate releases a sequence's blocks in reverse order
func (bm *BlockManager) Deallocate(seq *Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		block := bm.blocks[seq.BlockTable[i]]
		block.RefCount--
		if block.RefCount == 0 {
			bm.deallocateBlock(block.BlockID)
		}
	}

	seq.NumCachedTokens = 0
	seq.BlockTable = seq.BlockTable[:0]
}

// CanAppend checks if a new token can be appended to a sequence
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	needsNewBlock := seq.Len()%bm.blockSize == 1
	if needsNewBlock {
		return len(bm.freeBlockIDs) >= 1
	}
	return true
}

// MayAppend prepares block bookkeeping for a token about to be appended
func (bm *BlockManager) MayAppend(seq *Sequence) {
	blockTable := seq.BlockTable
	lastBlock := bm.blocks[blockTable[len(blockTable)-1]]

	switch {
	case seq.Len()%bm.blockSize == 1:
		// Previous block just filled; start a new one.
		if lastBlock.Hash == 0 {
			panic("last block should have a hash")
		}
		blockID := bm.freeBlockIDs[0]
		bm.allocateBlock(blockID)
		seq.BlockTable = append(seq.BlockTable, blockID)

	case seq.Len()%bm.blockSize == 0:
		// Block is now full; register it in the prefix cache.
		if lastBlock.Hash != 0 {
			panic("last block should not have a hash")
		}
		tokenIDs := seq.Block(seq.NumBlocks() - 1)
		var prefixHash uint64 = 0
		if len(blockTable) > 1 {
			prefixHash = bm.blocks[blockTable[len(blockTable)-2]].Hash
		}
		h := bm.ComputeHash(tokenIDs, prefixHash)
		lastBlock.Update(h, tokenIDs)
		bm.hashToBlockID[h] = lastBlock.BlockID

	default:
		// Still filling the block.
		if lastBlock.Hash != 0 {
			panic("last block should not have a hash")
		}
	}
}
