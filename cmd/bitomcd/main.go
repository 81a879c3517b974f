package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bitomc/bitomc/pkg/chain"
	"github.com/bitomc/bitomc/pkg/index"
	"github.com/bitomc/bitomc/pkg/parser"
	"github.com/bitomc/bitomc/pkg/pipeline"
	"github.com/bitomc/bitomc/pkg/runes"
	"github.com/bitomc/bitomc/pkg/store"
	"github.com/bitomc/bitomc/pkg/types"
)

// config holds bitomcd's daemon settings, loaded from env vars (prefixed
// BITOMC_) and an optional config file via viper, covering the
// datadir/chain/listen surface every long-running indexer needs plus the
// block source location the pipeline reads from.
type config struct {
	Datadir        string
	Chain          string
	BlocksDir      string
	StartHeight    uint32
	ListenAddr     string
	CommitInterval int
}

func loadConfig() config {
	v := viper.New()
	v.SetEnvPrefix("bitomc")
	v.AutomaticEnv()
	v.SetDefault("datadir", "./data")
	v.SetDefault("chain", "mainnet")
	v.SetDefault("blocks_dir", "")
	v.SetDefault("start_height", 0)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("commit_interval", pipeline.DefaultCommitInterval)

	v.SetConfigName("bitomcd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.WithError(err).Warn("bitomcd: failed to read config file, using defaults/env")
		}
	}

	return config{
		Datadir:        v.GetString("datadir"),
		Chain:          v.GetString("chain"),
		BlocksDir:      v.GetString("blocks_dir"),
		StartHeight:    v.GetUint32("start_height"),
		ListenAddr:     v.GetString("listen_addr"),
		CommitInterval: v.GetInt("commit_interval"),
	}
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := loadConfig()

	dir := filepath.Join(cfg.Datadir, cfg.Chain)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.WithError(err).Fatal("bitomcd: create datadir")
	}

	s, err := store.Open(filepath.Join(dir, "index.db"), store.Immediate)
	if err != nil {
		log.WithError(err).Fatal("bitomcd: open store")
	}
	defer s.Close()

	if err := index.EnsureInitialized(s); err != nil {
		log.WithError(err).Fatal("bitomcd: seed schema")
	}

	ix := index.New(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("bitomcd: shutdown signal received, draining pipeline")
		cancel()
	}()

	var p *pipeline.Pipeline
	if cfg.BlocksDir != "" {
		src, err := chain.NewFileSource(cfg.BlocksDir, wire.MainNet)
		if err != nil {
			log.WithError(err).Fatal("bitomcd: open block source")
		}
		p = pipeline.New(src, s, cfg.CommitInterval)
		go func() {
			if err := p.Run(ctx, cfg.StartHeight); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("bitomcd: pipeline stopped")
			}
		}()
	} else {
		log.Warn("bitomcd: no blocks_dir configured, serving reads against whatever is already indexed")
	}

	router := newRouter(ix, p)
	log.WithField("addr", cfg.ListenAddr).Info("bitomcd: serving read API")
	if err := router.Run(cfg.ListenAddr); err != nil {
		log.WithError(err).Fatal("bitomcd: http server")
	}
}

// newRouter builds the read-only consumer API: pure reads over the
// index's last-committed snapshot, plus a diagnostic /api/analyze
// endpoint built on the general-purpose transaction analyzer (extended
// to also report any decoded runestone, see pkg/parser.ParseTransaction).
func newRouter(ix *index.Index, p *pipeline.Pipeline) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
	}))

	r.GET("/status", func(c *gin.Context) {
		count, err := ix.BlockCount()
		if err != nil {
			c.JSON(500, gin.H{"ok": false, "error": err.Error()})
			return
		}
		height, found, err := ix.BlockHeight()
		if err != nil {
			c.JSON(500, gin.H{"ok": false, "error": err.Error()})
			return
		}
		resp := gin.H{"ok": true, "block_count": count}
		if found {
			resp["block_height"] = height
		}
		if p != nil {
			resp["unrecoverable_reorg"] = p.Stopped()
		}
		c.JSON(200, resp)
	})

	r.GET("/token/:id", func(c *gin.Context) {
		id, err := parseTokenId(c.Param("id"))
		if err != nil {
			c.JSON(400, gin.H{"ok": false, "error": err.Error()})
			return
		}
		entry, found, err := ix.TokenEntry(id)
		if err != nil {
			c.JSON(500, gin.H{"ok": false, "error": err.Error()})
			return
		}
		if !found {
			c.JSON(404, gin.H{"ok": false, "error": "token not found"})
			return
		}
		c.JSON(200, gin.H{
			"ok":           true,
			"name":         runes.Name(tokenOrdinal(id)),
			"supply":       entry.Supply.String(),
			"burned":       entry.Burned.String(),
			"mints":        entry.Mints.String(),
			"divisibility": entry.Divisibility,
		})
	})

	r.GET("/outpoint/:txid/:vout", func(c *gin.Context) {
		op, err := parseOutPoint(c.Param("txid"), c.Param("vout"))
		if err != nil {
			c.JSON(400, gin.H{"ok": false, "error": err.Error()})
			return
		}
		balances, err := ix.BalancesAt(op)
		if err != nil {
			c.JSON(500, gin.H{"ok": false, "error": err.Error()})
			return
		}
		out := make([]gin.H, len(balances))
		for i, b := range balances {
			out[i] = gin.H{"id": b.Id.String(), "amount": b.Amount.String()}
		}
		c.JSON(200, gin.H{"ok": true, "balances": out})
	})

	r.GET("/util", func(c *gin.Context) {
		snap, err := ix.UtilState()
		if err != nil {
			c.JSON(500, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(200, gin.H{
			"ok":             true,
			"bonds_per_sat":  snap.BondsPerSat.String(),
			"utils_per_bond": snap.UtilsPerBond.String(),
			"utils_per_sat":  snap.UtilsPerSat.String(),
			"interest_rate":  snap.InterestRate.String(),
			"decimals":       snap.Decimals.String(),
		})
	})

	r.GET("/history", func(c *gin.Context) {
		snap, err := ix.RateHistory()
		if err != nil {
			c.JSON(500, gin.H{"ok": false, "error": err.Error()})
			return
		}
		history := make([]string, len(snap.History))
		for i, h := range snap.History {
			history[i] = h.String()
		}
		c.JSON(200, gin.H{
			"ok":                   true,
			"median_interest_rate": snap.MedianInterestRate.String(),
			"history":              history,
		})
	})

	r.GET("/last/mint", func(c *gin.Context) { respondLastOutpoint(c, ix.LastMintOutpoint) })
	r.GET("/last/convert", func(c *gin.Context) { respondLastOutpoint(c, ix.LastConversionOutpoint) })

	r.POST("/api/analyze", handleAnalyze)

	return r
}

func respondLastOutpoint(c *gin.Context, fn func() (wire.OutPoint, bool, error)) {
	op, found, err := fn()
	if err != nil {
		c.JSON(500, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if !found {
		c.JSON(404, gin.H{"ok": false, "error": "none recorded yet"})
		return
	}
	c.JSON(200, gin.H{"ok": true, "txid": op.Hash.String(), "vout": op.Index})
}

func parseTokenId(s string) (runes.TokenId, error) {
	switch s {
	case "0", "tighten", "TIGHTEN":
		return runes.Tighten, nil
	case "1", "ease", "EASE":
		return runes.Ease, nil
	}
	return runes.TokenId{}, fmt.Errorf("unknown token id %q", s)
}

func tokenOrdinal(id runes.TokenId) *big.Int {
	if id == runes.Tighten {
		return big.NewInt(0)
	}
	return big.NewInt(1)
}

func parseOutPoint(txid, vout string) (wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid txid: %w", err)
	}
	n, err := strconv.ParseUint(vout, 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid vout: %w", err)
	}
	return wire.OutPoint{Hash: *hash, Index: uint32(n)}, nil
}

// handleAnalyze is a general-purpose transaction analyzer kept as a
// diagnostic companion endpoint: given a raw transaction and its
// prevouts, it reports script classification, fee/weight analysis, and
// any decoded BitOMC runestone.
func handleAnalyze(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(400, types.TransactionOutput{
			OK:    false,
			Error: &types.ErrorInfo{Code: "INVALID_REQUEST", Message: "Failed to read request body"},
		})
		return
	}

	var fixture types.Fixture
	if err := json.Unmarshal(body, &fixture); err != nil {
		c.JSON(400, types.TransactionOutput{
			OK:    false,
			Error: &types.ErrorInfo{Code: "INVALID_JSON", Message: "Failed to parse JSON"},
		})
		return
	}

	result, err := parser.ParseTransaction(fixture)
	if err != nil {
		c.JSON(400, types.TransactionOutput{
			OK:    false,
			Error: &types.ErrorInfo{Code: "PARSE_ERROR", Message: err.Error()},
		})
		return
	}

	c.JSON(200, result)
}
