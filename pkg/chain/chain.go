// Package chain reads raw Bitcoin Core block files directly off disk,
// the same blk*.dat layout the original analyzer's block parser walks:
// a 4-byte network magic, a 4-byte little-endian block size, then the
// serialized block itself. No RPC client is used.
package chain

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Source supplies blocks by height to the indexing pipeline.
type Source interface {
	// BlockAt returns the fully deserialized block at height, or
	// io.EOF if height has not been written to disk yet.
	BlockAt(height uint32) (*wire.MsgBlock, error)
}

// FileSource reads sequential blk*.dat files from a Bitcoin Core
// blocks directory and serves blocks by height using an in-memory
// height index built by a single forward scan.
type FileSource struct {
	dir    string
	magic  wire.BitcoinNet
	byHeight map[uint32]location
}

type location struct {
	file   string
	offset int64
}

// NewFileSource scans dir (a Bitcoin Core "blocks" directory) for
// blk*.dat files and indexes every block found by height, assuming
// the genesis block is the first block in blk00000.dat and each
// subsequent block immediately extends the chain tip — the same
// assumption Bitcoin Core's own leveldb block index encodes, kept
// here as an in-memory map since this package has no database of its
// own to persist it in.
func NewFileSource(dir string, magic wire.BitcoinNet) (*FileSource, error) {
	fs := &FileSource{dir: dir, magic: magic, byHeight: make(map[uint32]location)}
	if err := fs.scan(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileSource) scan() error {
	files, err := filepath.Glob(filepath.Join(fs.dir, "blk*.dat"))
	if err != nil {
		return fmt.Errorf("chain: glob blk files: %w", err)
	}

	var height uint32
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("chain: open %s: %w", path, err)
		}
		r := bufio.NewReader(f)

		for {
			offset, _ := currentOffset(f, r)
			var magic [4]byte
			if _, err := io.ReadFull(r, magic[:]); err != nil {
				break
			}
			if binary.LittleEndian.Uint32(magic[:]) != uint32(fs.magic) {
				f.Close()
				return fmt.Errorf("chain: %s: unexpected network magic", path)
			}

			var sizeBuf [4]byte
			if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
				break
			}
			size := binary.LittleEndian.Uint32(sizeBuf[:])

			fs.byHeight[height] = location{file: path, offset: offset + 8}
			height++

			if _, err := r.Discard(int(size)); err != nil {
				break
			}
		}
		f.Close()
	}

	return nil
}

func currentOffset(f *os.File, r *bufio.Reader) (int64, error) {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return pos - int64(r.Buffered()), nil
}

// BlockAt implements Source.
func (fs *FileSource) BlockAt(height uint32) (*wire.MsgBlock, error) {
	loc, ok := fs.byHeight[height]
	if !ok {
		return nil, io.EOF
	}

	f, err := os.Open(loc.file)
	if err != nil {
		return nil, fmt.Errorf("chain: open %s: %w", loc.file, err)
	}
	defer f.Close()

	if _, err := f.Seek(loc.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("chain: seek: %w", err)
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(f); err != nil {
		return nil, fmt.Errorf("chain: deserialize block at height %d: %w", height, err)
	}
	return block, nil
}

// Height returns the number of blocks currently indexed from disk.
func (fs *FileSource) Height() uint32 {
	return uint32(len(fs.byHeight))
}

// Header is the subset of wire.BlockHeader the pipeline needs for
// reorg detection.
type Header struct {
	Hash       chainhash.Hash
	PrevHash   chainhash.Hash
}

// HeaderAt returns the hash and parent hash of the block at height. It
// reads and deserializes the full block through BlockAt.
func (fs *FileSource) HeaderAt(height uint32) (Header, error) {
	block, err := fs.BlockAt(height)
	if err != nil {
		return Header{}, err
	}
	return Header{
		Hash:     block.BlockHash(),
		PrevHash: block.Header.PrevBlock,
	}, nil
}
