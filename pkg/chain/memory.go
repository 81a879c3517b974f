package chain

import (
	"io"

	"github.com/btcsuite/btcd/wire"
)

// MemorySource is an in-memory Source backed by a slice of blocks,
// used by pipeline tests in place of a real blocks directory.
type MemorySource struct {
	Blocks []*wire.MsgBlock
}

// BlockAt implements Source.
func (m *MemorySource) BlockAt(height uint32) (*wire.MsgBlock, error) {
	if int(height) >= len(m.Blocks) {
		return nil, io.EOF
	}
	return m.Blocks[height], nil
}

// Height returns the number of blocks currently appended.
func (m *MemorySource) Height() uint32 {
	return uint32(len(m.Blocks))
}

// HeaderAt mirrors FileSource.HeaderAt for the in-memory case.
func (m *MemorySource) HeaderAt(height uint32) (Header, error) {
	block, err := m.BlockAt(height)
	if err != nil {
		return Header{}, err
	}
	return Header{
		Hash:     block.BlockHash(),
		PrevHash: block.Header.PrevBlock,
	}, nil
}
