// Package pipeline drives block ingestion: a prefetch goroutine feeds a
// bounded channel, the main loop applies each block's transactions
// through the rune updater inside one write transaction, commits on a
// cadence via savepoints, and detects reorgs by comparing a fetched
// block's parent hash against the locally indexed tip.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/bitomc/bitomc/pkg/chain"
	"github.com/bitomc/bitomc/pkg/index"
	"github.com/bitomc/bitomc/pkg/store"
)

// prefetchCapacity bounds the block prefetch channel.
const prefetchCapacity = 32

// maxRecoverableDepth is the deepest reorg the pipeline will roll back
// through savepoints before giving up.
const maxRecoverableDepth = 6

// DefaultCommitInterval is how many blocks accumulate between savepoints
// when a caller doesn't override it.
const DefaultCommitInterval = 1000

const lastCommitStampKey = "last_commit"

// ErrUnrecoverableReorg is returned by Run when a reorg deeper than
// maxRecoverableDepth is detected.
var ErrUnrecoverableReorg = errors.New("pipeline: unrecoverable reorg")

type fetched struct {
	height uint32
	block  *wire.MsgBlock
	err    error
}

// Pipeline coordinates the prefetcher and the indexing loop.
type Pipeline struct {
	source         chain.Source
	store          *store.Store
	index          *index.Index
	commitInterval int

	stopped atomic.Bool
}

// New builds a pipeline over a block source and a store. commitInterval is
// the number of blocks between savepoints; a value <= 0 falls back to
// DefaultCommitInterval.
func New(source chain.Source, s *store.Store, commitInterval int) *Pipeline {
	if commitInterval <= 0 {
		commitInterval = DefaultCommitInterval
	}
	return &Pipeline{source: source, store: s, index: index.New(s), commitInterval: commitInterval}
}

// Stopped reports whether the pipeline has aborted after an
// unrecoverable reorg.
func (p *Pipeline) Stopped() bool {
	return p.stopped.Load()
}

// Run ingests blocks starting at startHeight until ctx is cancelled or a
// reorg is detected. It does not return when the source has no next block:
// the prefetcher keeps retrying with backoff. After a recoverable reorg it
// restores a savepoint and returns an error naming the restored height;
// it does not resume fetching by itself.
func (p *Pipeline) Run(ctx context.Context, startHeight uint32) error {
	blocks := make(chan fetched, prefetchCapacity)
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	go p.prefetch(fetchCtx, startHeight, blocks)

	sinceCommit := 0
	syncStart := time.Now()
	loggedSync := false

	initialCount, err := p.index.BlockCount()
	if err != nil {
		return err
	}
	trackInitialSync := initialCount == 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-blocks:
			if !ok {
				return nil
			}
			if f.err != nil {
				log.WithError(f.err).Warn("pipeline: fetch error, stopping")
				return nil
			}

			restored, err := p.applyBlock(f.height, f.block)
			if err != nil {
				if errors.Is(err, ErrUnrecoverableReorg) {
					p.stopped.Store(true)
				}
				return err
			}
			if restored != nil {
				cancelFetch()
				return fmt.Errorf("pipeline: rolled back to height %d, restart required", *restored)
			}

			if trackInitialSync && f.height == 0 {
				if err := p.recordInitialSyncTime(time.Since(syncStart)); err != nil {
					log.WithError(err).Warn("pipeline: recording initial sync time failed")
				}
				trackInitialSync = false
			}

			sinceCommit++
			if sinceCommit >= p.commitInterval {
				if err := p.commit(f.height); err != nil {
					log.WithError(err).Warn("pipeline: commit bookkeeping failed")
				}
				if err := p.store.Savepoint(f.height); err != nil {
					log.WithError(err).Warn("pipeline: savepoint failed")
				}
				sinceCommit = 0
			}

			if !loggedSync {
				if _, err := p.source.BlockAt(f.height + 1); err != nil {
					log.WithField("elapsed", time.Since(syncStart)).Info("pipeline: caught up to chain tip")
					loggedSync = true
				}
			}
		}
	}
}

// recordInitialSyncTime writes the elapsed wall-clock time to sync from an
// empty store up through height 0, once, the first time the index becomes
// non-empty.
func (p *Pipeline) recordInitialSyncTime(elapsed time.Duration) error {
	return p.store.Update(func(tx *bolt.Tx) error {
		stats := tx.Bucket([]byte(store.BucketStatistics))
		return store.PutUint64(stats, store.StatInitialSyncTime, uint64(elapsed.Microseconds()))
	})
}

// commit bumps the commit counter and refreshes the last-commit-timestamp
// row, run on the same cadence as savepoint creation.
func (p *Pipeline) commit(height uint32) error {
	return p.store.Update(func(tx *bolt.Tx) error {
		stats := tx.Bucket([]byte(store.BucketStatistics))
		count := store.GetUint64(stats, store.StatCommitCount)
		if err := store.PutUint64(stats, store.StatCommitCount, count+1); err != nil {
			return err
		}

		stamp := make([]byte, 8)
		binary.BigEndian.PutUint64(stamp, uint64(time.Now().UnixNano()))
		return tx.Bucket([]byte(store.BucketTxStartStamps)).Put([]byte(lastCommitStampKey), stamp)
	})
}

// applyBlock detects a reorg by comparing the incoming block's parent
// hash to the locally stored tip header. On a clean extension it indexes
// every transaction in one write transaction. On a recoverable reorg it
// restores the most recent savepoint and returns its height so the
// caller can restart fetching from there.
func (p *Pipeline) applyBlock(height uint32, block *wire.MsgBlock) (*uint32, error) {
	if height > 0 {
		tip, found, err := p.index.BlockHash(height - 1)
		if err != nil {
			return nil, err
		}
		if found && !headerMatchesParent(tip, block.Header.PrevBlock) {
			restored, err := p.handleReorg(height, block)
			if err != nil {
				return nil, err
			}
			return &restored, nil
		}
	}

	return nil, p.store.Update(func(tx *bolt.Tx) error {
		return applyBlockTx(tx, height, block)
	})
}

func applyBlockTx(tx *bolt.Tx, height uint32, block *wire.MsgBlock) error {
	utilRaw := tx.Bucket([]byte(store.BucketUtilState)).Get([]byte("state"))
	util := index.NewUtilState()
	if utilRaw != nil {
		util = index.DecodeUtilState(utilRaw)
	}

	upd := index.NewRuneUpdater(tx, height)
	for _, t := range block.Transactions {
		txid := t.TxHash()
		if err := upd.IndexTransaction(t, txid); err != nil {
			return fmt.Errorf("pipeline: index tx %s: %w", txid, err)
		}
	}
	if err := upd.Finish(&util); err != nil {
		return err
	}
	if err := tx.Bucket([]byte(store.BucketUtilState)).Put([]byte("state"), util.Encode()); err != nil {
		return err
	}

	var header [32]byte
	hash := block.BlockHash()
	copy(header[:], hash[:])
	return tx.Bucket([]byte(store.BucketHeaders)).Put(heightKeyBytes(height), header[:])
}

func heightKeyBytes(h uint32) []byte {
	return []byte{byte(h >> 24), byte(h >> 16), byte(h >> 8), byte(h)}
}

func headerMatchesParent(storedHeader []byte, parent chainhash.Hash) bool {
	if len(storedHeader) < 32 {
		return false
	}
	var stored chainhash.Hash
	copy(stored[:], storedHeader[:32])
	return stored == parent
}

// handleReorg walks back from the incoming block to find the actual fork
// depth against the locally indexed chain, then restores the newest
// savepoint at or below forkHeight-depth. It fails if the fork is deeper
// than maxRecoverableDepth blocks.
func (p *Pipeline) handleReorg(forkHeight uint32, incoming *wire.MsgBlock) (uint32, error) {
	depth, ok, err := p.forkDepth(forkHeight, incoming)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrUnrecoverableReorg
	}

	target := forkHeight - depth
	restored, err := p.store.RestoreTo(target)
	if err != nil {
		return 0, ErrUnrecoverableReorg
	}

	log.WithFields(log.Fields{
		"fork_height":     forkHeight,
		"fork_depth":      depth,
		"restored_height": restored,
	}).Warn("pipeline: reorg detected, rolled back to savepoint")
	return restored, nil
}

// forkDepth walks back from incoming's parent hash, comparing the new
// chain's ancestry against the locally indexed headers, until it finds
// the common ancestor or exceeds maxRecoverableDepth. It returns the
// number of locally indexed blocks above that ancestor (the depth to
// roll back) and whether the search found one within range.
func (p *Pipeline) forkDepth(forkHeight uint32, incoming *wire.MsgBlock) (uint32, bool, error) {
	newParent := incoming.Header.PrevBlock

	for d := uint32(1); d <= maxRecoverableDepth+1; d++ {
		height := forkHeight - d
		storedRaw, found, err := p.index.BlockHash(height)
		if err != nil {
			return 0, false, err
		}
		if !found {
			return 0, false, nil
		}

		if headerMatchesParent(storedRaw, newParent) {
			return d - 1, true, nil
		}

		if height == 0 {
			return 0, false, nil
		}

		ancestor, err := p.source.BlockAt(height)
		if err != nil {
			return 0, false, err
		}
		newParent = ancestor.Header.PrevBlock
	}

	return 0, false, nil
}

// prefetch is the background goroutine that stages blocks into the
// bounded channel, backing off exponentially (capped at 120s) when the
// source has no block ready yet (our local tip caught up to the real
// chain tip).
func (p *Pipeline) prefetch(ctx context.Context, startHeight uint32, out chan<- fetched) {
	defer close(out)

	height := startHeight
	backoff := time.Second

	for {
		if ctx.Err() != nil || p.stopped.Load() {
			return
		}

		block, err := p.source.BlockAt(height)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 120*time.Second {
				backoff = 120 * time.Second
			}
			continue
		}
		backoff = time.Second

		select {
		case out <- fetched{height: height, block: block}:
		case <-ctx.Done():
			return
		}
		height++
	}
}
