package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bitomc/bitomc/pkg/chain"
	"github.com/bitomc/bitomc/pkg/index"
	"github.com/bitomc/bitomc/pkg/runestone"
	"github.com/bitomc/bitomc/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"), store.None)
	require.NoError(t, err)
	require.NoError(t, index.EnsureInitialized(s))
	t.Cleanup(func() { s.Close() })
	return s
}

func mintBlock(prev wire.BlockHeader) *wire.MsgBlock {
	return forkBlock(prev, 0)
}

// forkBlock mints a block like mintBlock but with a distinguishing nonce,
// so a block built on the same parent as an existing one still hashes
// differently — needed to simulate a genuine competing chain in tests.
func forkBlock(prev wire.BlockHeader, nonce uint32) *wire.MsgBlock {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(0, runestone.Encipher(&runestone.Runestone{})))
	tx.AddTxOut(wire.NewTxOut(0, []byte{0x51}))

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{PrevBlock: prev.BlockHash(), Nonce: nonce},
	}
	block.AddTransaction(tx)
	return block
}

// Run drains a short, reorg-free chain and leaves every block indexed.
func TestRunIndexesSequentialBlocks(t *testing.T) {
	s := openTestStore(t)

	genesis := wire.BlockHeader{}
	b0 := mintBlock(genesis)
	b1 := mintBlock(b0.Header)

	src := &chain.MemorySource{Blocks: []*wire.MsgBlock{b0, b1}}
	p := New(src, s, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := p.Run(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ix := index.New(s)
	count, err := ix.BlockCount()
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)

	require.False(t, p.Stopped())
}

// handleReorg must compute the actual fork depth by walking headers back,
// not just the distance to the last savepoint: a depth-2 reorg (heights 5
// and 6 replaced, detected at height 7) restores the savepoint at
// forkHeight-depth = 5.
func TestHandleReorgRecoversDepthTwo(t *testing.T) {
	s := openTestStore(t)

	prev := wire.BlockHeader{}
	blocks := make([]*wire.MsgBlock, 0, 7)
	for i := 0; i < 7; i++ {
		b := mintBlock(prev)
		blocks = append(blocks, b)
		prev = b.Header
	}

	src := &chain.MemorySource{Blocks: append([]*wire.MsgBlock{}, blocks...)}
	p := New(src, s, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Run(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ix := index.New(s)
	count, err := ix.BlockCount()
	require.NoError(t, err)
	require.Equal(t, uint32(7), count)

	replacement5 := forkBlock(blocks[4].Header, 1)
	replacement6 := forkBlock(replacement5.Header, 2)
	replacement7 := forkBlock(replacement6.Header, 3)
	src.Blocks[5] = replacement5
	src.Blocks[6] = replacement6
	src.Blocks = append(src.Blocks, replacement7)

	restored, err := p.handleReorg(7, replacement7)
	require.NoError(t, err)
	require.Equal(t, uint32(5), restored)
	require.False(t, p.Stopped())

	newCount, err := ix.BlockCount()
	require.NoError(t, err)
	require.Equal(t, uint32(6), newCount)
}

// A fork deeper than maxRecoverableDepth must make handleReorg return
// ErrUnrecoverableReorg (which Run turns into the unrecoverable flag)
// rather than loop forever searching for a common ancestor.
func TestHandleReorgUnrecoverableBeyondMaxDepth(t *testing.T) {
	s := openTestStore(t)

	prev := wire.BlockHeader{}
	blocks := make([]*wire.MsgBlock, 0, 9)
	for i := 0; i < 9; i++ {
		b := mintBlock(prev)
		blocks = append(blocks, b)
		prev = b.Header
	}

	src := &chain.MemorySource{Blocks: append([]*wire.MsgBlock{}, blocks...)}
	p := New(src, s, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Run(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A fork diverging from genesis leaves no common ancestor within
	// maxRecoverableDepth of height 9.
	forkBlocks := make([]*wire.MsgBlock, 0, 9)
	forkPrev := wire.BlockHeader{}
	for i := 0; i < 9; i++ {
		b := forkBlock(forkPrev, uint32(1000+i))
		forkBlocks = append(forkBlocks, b)
		forkPrev = b.Header
	}
	src.Blocks = forkBlocks

	_, err = p.handleReorg(9, forkBlocks[8])
	require.ErrorIs(t, err, ErrUnrecoverableReorg)
}
