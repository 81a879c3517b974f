package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/wire"

	"github.com/bitomc/bitomc/pkg/index"
	"github.com/bitomc/bitomc/pkg/parser"
	"github.com/bitomc/bitomc/pkg/store"
	"github.com/bitomc/bitomc/pkg/types"
	"github.com/bitomc/bitomc/pkg/utils"
)

func main() {
	if len(os.Args) < 2 {
		printError("INVALID_ARGS", "Usage: bitomcutil <fixture.json> | --block <blk.dat> <rev.dat> <xor.dat> | --simulate <height> <fixture.json>...")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--block":
		if len(os.Args) < 5 {
			printError("INVALID_ARGS", "Block mode requires: --block <blk.dat> <rev.dat> <xor.dat>")
			os.Exit(1)
		}
		handleBlockMode(os.Args[2], os.Args[3], os.Args[4])
	case "--simulate":
		if len(os.Args) < 4 {
			printError("INVALID_ARGS", "Simulate mode requires: --simulate <height> <fixture.json>...")
			os.Exit(1)
		}
		handleSimulateMode(os.Args[2], os.Args[3:])
	default:
		handleTransactionMode(os.Args[1])
	}
}

func handleTransactionMode(fixturePath string) {
	fixtureData, err := os.ReadFile(fixturePath)
	if err != nil {
		printError("FILE_NOT_FOUND", fmt.Sprintf("Failed to read fixture: %v", err))
		os.Exit(1)
	}

	var fixture types.Fixture
	if err := json.Unmarshal(fixtureData, &fixture); err != nil {
		printError("INVALID_FIXTURE", fmt.Sprintf("Failed to parse fixture JSON: %v", err))
		os.Exit(1)
	}

	result, err := parser.ParseTransaction(fixture)
	if err != nil {
		printError("INVALID_TX", err.Error())
		os.Exit(1)
	}

	if err := os.MkdirAll("out", 0755); err != nil {
		printError("IO_ERROR", fmt.Sprintf("Failed to create output directory: %v", err))
		os.Exit(1)
	}

	outputPath := filepath.Join("out", result.Txid+".json")
	outputJSON, _ := json.MarshalIndent(result, "", "  ")
	if err := os.WriteFile(outputPath, outputJSON, 0644); err != nil {
		printError("IO_ERROR", fmt.Sprintf("Failed to write output file: %v", err))
		os.Exit(1)
	}

	fmt.Println(string(outputJSON))
	os.Exit(0)
}

func handleBlockMode(blkPath, revPath, xorPath string) {
	for _, path := range []string{blkPath, revPath, xorPath} {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			printError("FILE_NOT_FOUND", fmt.Sprintf("File not found: %s", path))
			os.Exit(1)
		}
	}

	blocks, err := parser.ParseBlock(blkPath, revPath, xorPath)
	if err != nil {
		printError("INVALID_BLOCK", err.Error())
		os.Exit(1)
	}

	if err := os.MkdirAll("out", 0755); err != nil {
		printError("IO_ERROR", fmt.Sprintf("Failed to create output directory: %v", err))
		os.Exit(1)
	}

	for _, block := range blocks {
		outputPath := filepath.Join("out", block.BlockHeader.BlockHash+".json")
		outputJSON, _ := json.MarshalIndent(block, "", "  ")
		if err := os.WriteFile(outputPath, outputJSON, 0644); err != nil {
			printError("IO_ERROR", fmt.Sprintf("Failed to write block output: %v", err))
			os.Exit(1)
		}
	}

	os.Exit(0)
}

// handleSimulateMode runs the rune updater over a sequence of raw
// transaction fixtures at the given height inside a disposable, always
// rolled-back store, and prints the resulting per-transaction supply
// states without ever touching a persisted index.
func handleSimulateMode(heightArg string, fixturePaths []string) {
	var height uint32
	if _, err := fmt.Sscanf(heightArg, "%d", &height); err != nil {
		printError("INVALID_ARGS", fmt.Sprintf("invalid height %q: %v", heightArg, err))
		os.Exit(1)
	}

	txs := make([]*wire.MsgTx, 0, len(fixturePaths))
	for _, path := range fixturePaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			printError("FILE_NOT_FOUND", fmt.Sprintf("Failed to read fixture %s: %v", path, err))
			os.Exit(1)
		}
		var fixture types.Fixture
		if err := json.Unmarshal(raw, &fixture); err != nil {
			printError("INVALID_FIXTURE", fmt.Sprintf("Failed to parse fixture JSON %s: %v", path, err))
			os.Exit(1)
		}
		txBytes, err := utils.HexToBytes(fixture.RawTx)
		if err != nil {
			printError("INVALID_FIXTURE", fmt.Sprintf("invalid raw_tx hex in %s: %v", path, err))
			os.Exit(1)
		}
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
			printError("INVALID_TX", fmt.Sprintf("failed to deserialize %s: %v", path, err))
			os.Exit(1)
		}
		txs = append(txs, tx)
	}

	dir, err := os.MkdirTemp("", "bitomcutil-simulate-*")
	if err != nil {
		printError("IO_ERROR", err.Error())
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	s, err := store.Open(filepath.Join(dir, "index.db"), store.None)
	if err != nil {
		printError("IO_ERROR", err.Error())
		os.Exit(1)
	}
	defer s.Close()

	if err := index.EnsureInitialized(s); err != nil {
		printError("IO_ERROR", err.Error())
		os.Exit(1)
	}

	states, err := index.Simulate(s, height, txs)
	if err != nil {
		printError("SIMULATE_ERROR", err.Error())
		os.Exit(1)
	}

	type stateOutput struct {
		TightenSupply string `json:"tighten_supply"`
		EaseSupply    string `json:"ease_supply"`
		TightenBurned string `json:"tighten_burned"`
		EaseBurned    string `json:"ease_burned"`
	}
	out := make([]stateOutput, len(states))
	for i, st := range states {
		out[i] = stateOutput{
			TightenSupply: st.TightenSupply.String(),
			EaseSupply:    st.EaseSupply.String(),
			TightenBurned: st.TightenBurned.String(),
			EaseBurned:    st.EaseBurned.String(),
		}
	}
	type simulateOutput struct {
		OK     bool          `json:"ok"`
		States []stateOutput `json:"states"`
	}
	outputJSON, _ := json.MarshalIndent(simulateOutput{OK: true, States: out}, "", "  ")
	fmt.Println(string(outputJSON))
}

func printError(code, message string) {
	type errorOutput struct {
		OK    bool             `json:"ok"`
		Error *types.ErrorInfo `json:"error"`
	}
	errOutput := errorOutput{
		OK: false,
		Error: &types.ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
	errJSON, _ := json.Marshal(errOutput)
	fmt.Println(string(errJSON))
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}
