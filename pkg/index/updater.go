package index

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	bolt "go.etcd.io/bbolt"

	"github.com/bitomc/bitomc/pkg/runes"
	"github.com/bitomc/bitomc/pkg/runestone"
	"github.com/bitomc/bitomc/pkg/store"
)

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// checkU128 panics if n is negative or exceeds the 128-bit range. Supply
// and burned accounting must never wrap; this is a fatal invariant
// violation, not a recoverable error.
func checkU128(n *big.Int, what string) {
	if n.Sign() < 0 {
		panic(fmt.Sprintf("index: %s underflowed below zero", what))
	}
	if n.Cmp(maxU128) > 0 {
		panic(fmt.Sprintf("index: %s overflowed 128 bits", what))
	}
}

// isqrt returns floor(sqrt(n)).
func isqrt(n *big.Int) *big.Int {
	return new(big.Int).Sqrt(n)
}

// RuneUpdater applies one block's worth of transactions to the token
// state, grounded line-for-line on the original rune_updater's
// index_runes/mint/convert_exact_input/convert_exact_output/update
// methods.
type RuneUpdater struct {
	tx     *bolt.Tx
	height uint32

	blockBurned map[runes.TokenId]*big.Int

	conversionThisBlock bool
	convertedSupplyPre  *big.Int
	convertedSupplyPost *big.Int

	lastMintOutpoint     *wire.OutPoint
	lastConvertOutpoint  *wire.OutPoint
}

// NewRuneUpdater starts tracking state transitions for the block at
// height within the given write transaction.
func NewRuneUpdater(tx *bolt.Tx, height uint32) *RuneUpdater {
	return &RuneUpdater{
		tx:          tx,
		height:      height,
		blockBurned: make(map[runes.TokenId]*big.Int),
	}
}

func (u *RuneUpdater) entries() *bolt.Bucket {
	return u.tx.Bucket([]byte(store.BucketTokenEntry))
}

func (u *RuneUpdater) balances() *bolt.Bucket {
	return u.tx.Bucket([]byte(store.BucketOutpoints))
}

func (u *RuneUpdater) lastOutpoints() *bolt.Bucket {
	return u.tx.Bucket([]byte(store.BucketLastOutpoint))
}

func (u *RuneUpdater) getEntry(id runes.TokenId) (TokenEntry, bool) {
	raw := u.entries().Get(tokenIdKey(id))
	if raw == nil {
		return TokenEntry{}, false
	}
	e, err := DecodeTokenEntry(raw)
	if err != nil {
		panic(err)
	}
	return e, true
}

func (u *RuneUpdater) putEntry(id runes.TokenId, e TokenEntry) {
	if err := u.entries().Put(tokenIdKey(id), e.Encode()); err != nil {
		panic(err)
	}
}

// reward computes the block-reward halving schedule: 50e8 >> (h/210000),
// zero once the shift count reaches 128.
func reward(height uint32) *big.Int {
	halvings := uint64(height) / 210000
	if halvings >= 128 {
		return big.NewInt(0)
	}
	base := new(big.Int).Mul(big.NewInt(50), big.NewInt(100000000))
	return base.Rsh(base, uint(halvings))
}

// mint computes and applies the block-reward split across TIGHTEN and
// EASE.
func (u *RuneUpdater) mint() (amount0, amount1 *big.Int, ok bool) {
	e0, ok0 := u.getEntry(runes.Tighten)
	e1, ok1 := u.getEntry(runes.Ease)
	if !ok0 || !ok1 {
		return nil, nil, false
	}

	r := reward(u.height)
	sumSq := new(big.Int).Add(
		new(big.Int).Mul(e0.Supply, e0.Supply),
		new(big.Int).Mul(e1.Supply, e1.Supply),
	)

	if sumSq.Sign() == 0 {
		amount0 = new(big.Int).Set(r)
		amount1 = big.NewInt(0)
	} else {
		k := isqrt(sumSq)
		amount0 = new(big.Int).Div(new(big.Int).Mul(e0.Supply, r), k)
		amount1 = new(big.Int).Div(new(big.Int).Mul(e1.Supply, r), k)
	}

	e0.Mints.Add(e0.Mints, big.NewInt(1))
	e1.Mints.Add(e1.Mints, big.NewInt(1))
	e0.Supply.Add(e0.Supply, amount0)
	e1.Supply.Add(e1.Supply, amount1)
	checkU128(e0.Supply, "TIGHTEN supply")
	checkU128(e1.Supply, "EASE supply")

	u.putEntry(runes.Tighten, e0)
	u.putEntry(runes.Ease, e1)

	return amount0, amount1, true
}

// convertExactInput converts a fixed input amount, enforcing the
// constant-sum-of-squares invariant and a minimum acceptable output.
func (u *RuneUpdater) convertExactInput(inputId, outputId runes.TokenId, inputAmt, minOutputAmt *big.Int) (*big.Int, bool) {
	entryIn, ok := u.getEntry(inputId)
	if !ok {
		return nil, false
	}
	entryOut, ok := u.getEntry(outputId)
	if !ok {
		return nil, false
	}

	if inputAmt.Cmp(entryIn.Supply) > 0 {
		return nil, false
	}

	invariant := new(big.Int).Add(
		new(big.Int).Mul(entryIn.Supply, entryIn.Supply),
		new(big.Int).Mul(entryOut.Supply, entryOut.Supply),
	)
	newIn := new(big.Int).Sub(entryIn.Supply, inputAmt)
	newInSq := new(big.Int).Mul(newIn, newIn)

	outputAmt := new(big.Int).Sub(invariant, newInSq)
	outputAmt = isqrt(outputAmt)
	outputAmt.Sub(outputAmt, entryOut.Supply)

	if outputAmt.Cmp(minOutputAmt) < 0 {
		return nil, false
	}

	before := new(big.Int).Set(entryIn.Supply)
	entryIn.Supply.Sub(entryIn.Supply, inputAmt)
	entryOut.Supply.Add(entryOut.Supply, outputAmt)
	checkU128(entryIn.Supply, "conversion input supply")
	checkU128(entryOut.Supply, "conversion output supply")

	u.putEntry(inputId, entryIn)
	u.putEntry(outputId, entryOut)

	u.conversionThisBlock = true
	u.convertedSupplyPre = before
	u.convertedSupplyPost = new(big.Int).Set(entryIn.Supply)

	return outputAmt, true
}

// convertExactOutput converts whatever input is needed to hit a fixed
// output amount, enforcing the constant-sum-of-squares invariant and a
// maximum acceptable input.
func (u *RuneUpdater) convertExactOutput(inputId, outputId runes.TokenId, outputAmt, maxInputAmt *big.Int) (*big.Int, bool) {
	entryIn, ok := u.getEntry(inputId)
	if !ok {
		return nil, false
	}
	entryOut, ok := u.getEntry(outputId)
	if !ok {
		return nil, false
	}

	invariant := new(big.Int).Add(
		new(big.Int).Mul(entryIn.Supply, entryIn.Supply),
		new(big.Int).Mul(entryOut.Supply, entryOut.Supply),
	)
	newOut := new(big.Int).Add(entryOut.Supply, outputAmt)
	newOutSq := new(big.Int).Mul(newOut, newOut)

	if newOutSq.Cmp(invariant) > 0 {
		return nil, false
	}

	inputAmt := new(big.Int).Sub(invariant, newOutSq)
	inputAmt = isqrt(inputAmt)
	inputAmt.Sub(entryIn.Supply, inputAmt)

	if inputAmt.Cmp(maxInputAmt) > 0 {
		return nil, false
	}

	before := new(big.Int).Set(entryIn.Supply)
	entryIn.Supply.Sub(entryIn.Supply, inputAmt)
	entryOut.Supply.Add(entryOut.Supply, outputAmt)
	checkU128(entryIn.Supply, "conversion input supply")
	checkU128(entryOut.Supply, "conversion output supply")

	u.putEntry(inputId, entryIn)
	u.putEntry(outputId, entryOut)

	u.conversionThisBlock = true
	u.convertedSupplyPre = before
	u.convertedSupplyPost = new(big.Int).Set(entryIn.Supply)

	return inputAmt, true
}

// unallocated gathers and deletes the OutPointBalances rows spent by
// tx's inputs, summing them by token id.
func (u *RuneUpdater) unallocated(tx *wire.MsgTx) (map[runes.TokenId]*big.Int, error) {
	out := make(map[runes.TokenId]*big.Int)
	bal := u.balances()

	for _, in := range tx.TxIn {
		key := outPointKey(in.PreviousOutPoint)
		raw := bal.Get(key)
		if raw == nil {
			continue
		}
		rows, err := DecodeBalances(raw)
		if err != nil {
			return nil, fmt.Errorf("index: decode balances: %w", err)
		}
		if err := bal.Delete(key); err != nil {
			return nil, err
		}
		for _, row := range rows {
			addTo(out, row.Id, row.Amount)
		}
	}
	return out, nil
}

func addTo(m map[runes.TokenId]*big.Int, id runes.TokenId, amount *big.Int) {
	if cur, ok := m[id]; ok {
		cur.Add(cur, amount)
	} else {
		m[id] = new(big.Int).Set(amount)
	}
}

func getOrZero(m map[runes.TokenId]*big.Int, id runes.TokenId) *big.Int {
	if v, ok := m[id]; ok {
		return v
	}
	v := big.NewInt(0)
	m[id] = v
	return v
}

// IndexTransaction runs the per-transaction state transition: gather
// input balances, mint the block reward, apply edicts, resolve
// conversions, and write the resulting output balances.
func (u *RuneUpdater) IndexTransaction(tx *wire.MsgTx, txid chainhash.Hash) error {
	artifact := runestone.Decipher(tx)

	unallocated, err := u.unallocated(tx)
	if err != nil {
		return err
	}

	numOutputs := len(tx.TxOut)
	allocated := make([]map[runes.TokenId]*big.Int, numOutputs)
	allocatedConversion := make([]map[runes.TokenId]*big.Int, numOutputs)
	for i := range allocated {
		allocated[i] = make(map[runes.TokenId]*big.Int)
		allocatedConversion[i] = make(map[runes.TokenId]*big.Int)
	}

	var lastId *runes.TokenId
	converted := make(map[runes.TokenId]*big.Int)
	burned := make(map[runes.TokenId]*big.Int)

	// Every deciphered artifact (Runestone, not Cenotaph) signals the
	// unconditional block-reward mint; BitOMC has no per-etching terms
	// to gate it on.
	if artifact != nil && artifact.Runestone != nil {
		if amount0, amount1, ok := u.mint(); ok {
			addTo(unallocated, runes.Tighten, amount0)
			addTo(unallocated, runes.Ease, amount1)
			u.lastMintOutpoint = &wire.OutPoint{Hash: txid, Index: 0}
		}
	}

	destinations := func() []int {
		var d []int
		for i, out := range tx.TxOut {
			if !runestone.IsOpReturn(out.PkScript) {
				d = append(d, i)
			}
		}
		return d
	}()

	if artifact != nil && artifact.Runestone != nil {
		for _, edict := range artifact.Runestone.Edicts {
			id := edict.Id
			amount := new(big.Int).Set(edict.Amount)
			output := int(edict.Output)

			if id == runes.Tighten || id == runes.Ease {
				idCopy := id
				lastId = &idCopy
			}

			balance, have := unallocated[id]
			if !have {
				if amount.Sign() > 0 {
					if output < numOutputs {
						addTo(allocatedConversion[output], id, amount)
						addTo(converted, id, amount)
					} else if len(destinations) > 0 {
						for _, d := range destinations {
							addTo(allocatedConversion[d], id, amount)
						}
						scaled := new(big.Int).Mul(amount, big.NewInt(int64(len(destinations))))
						addTo(converted, id, scaled)
					}
				}
				continue
			}

			allocate := func(amt *big.Int, vout int) {
				if amt.Sign() > 0 {
					balance.Sub(balance, amt)
					addTo(allocated[vout], id, amt)
				}
			}

			if output == numOutputs {
				if len(destinations) == 0 {
					continue
				}
				if amount.Sign() == 0 {
					share := new(big.Int).Div(balance, big.NewInt(int64(len(destinations))))
					remainder := new(big.Int).Mod(balance, big.NewInt(int64(len(destinations)))).Int64()
					for i, d := range destinations {
						amt := new(big.Int).Set(share)
						if int64(i) < remainder {
							amt.Add(amt, big.NewInt(1))
						}
						allocate(amt, d)
					}
				} else {
					for _, d := range destinations {
						if balance.Sign() > 0 && amount.Cmp(balance) > 0 {
							excess := new(big.Int).Sub(amount, balance)
							addTo(converted, id, excess)
							addTo(allocatedConversion[d], id, excess)
						}
						give := amount
						if balance.Cmp(amount) < 0 {
							give = balance
						}
						allocate(new(big.Int).Set(give), d)
					}
				}
			} else {
				if amount.Cmp(balance) > 0 {
					excess := new(big.Int).Sub(amount, balance)
					addTo(converted, id, excess)
					addTo(allocatedConversion[output], id, excess)
				}
				give := amount
				if amount.Sign() == 0 {
					give = balance
				} else if balance.Cmp(amount) < 0 {
					give = balance
				}
				allocate(new(big.Int).Set(give), output)
			}
		}
	}

	isCenotaph := artifact != nil && artifact.Cenotaph != nil
	if isCenotaph {
		for id, bal := range unallocated {
			addTo(burned, id, bal)
		}
	} else {
		var pointer *int
		if artifact != nil && artifact.Runestone != nil && artifact.Runestone.Pointer != nil {
			p := int(*artifact.Runestone.Pointer)
			pointer = &p
		}
		if pointer == nil {
			for i, out := range tx.TxOut {
				if !runestone.IsOpReturn(out.PkScript) {
					p := i
					pointer = &p
					break
				}
			}
		}
		if pointer != nil {
			for id, bal := range unallocated {
				if bal.Sign() > 0 {
					addTo(allocated[*pointer], id, bal)
				}
			}
		} else {
			for id, bal := range unallocated {
				if bal.Sign() > 0 {
					addTo(burned, id, bal)
				}
			}
		}
	}

	// move OP_RETURN allocations to burned
	for vout, balances := range allocated {
		if len(balances) == 0 {
			continue
		}
		if runestone.IsOpReturn(tx.TxOut[vout].PkScript) {
			for id, bal := range balances {
				addTo(burned, id, bal)
				allocated[vout][id] = big.NewInt(0)
			}
		}
	}

	var inputId, outputId runes.TokenId
	haveConversionPair := false
	if getOrZero(burned, runes.Tighten).Sign() > 0 && getOrZero(converted, runes.Ease).Sign() > 0 {
		inputId, outputId = runes.Tighten, runes.Ease
		haveConversionPair = true
	} else if getOrZero(burned, runes.Ease).Sign() > 0 && getOrZero(converted, runes.Tighten).Sign() > 0 {
		inputId, outputId = runes.Ease, runes.Tighten
		haveConversionPair = true
	}

	if haveConversionPair && lastId != nil {
		residualId := *lastId

		if residualId == outputId {
			inputAmt := getOrZero(burned, inputId)
			minOutputAmt := getOrZero(converted, outputId)
			if outputAmt, ok := u.convertExactInput(inputId, outputId, inputAmt, minOutputAmt); ok {
				burned[inputId] = big.NewInt(0)

				var residualVout = -1
				for vout, balances := range allocatedConversion {
					bal, ok := balances[outputId]
					if !ok {
						continue
					}
					addTo(allocated[vout], outputId, bal)
					if residualVout == -1 {
						residualVout = vout
					}
				}

				if outputAmt.Cmp(minOutputAmt) > 0 {
					excess := new(big.Int).Sub(outputAmt, minOutputAmt)
					if residualVout != -1 {
						addTo(allocated[residualVout], outputId, excess)
					} else {
						addTo(burned, outputId, excess)
					}
				}
				u.lastConvertOutpoint = &wire.OutPoint{Hash: txid, Index: 0}
			}
		} else {
			maxInputAmt := getOrZero(burned, inputId)
			outputAmt := getOrZero(converted, outputId)
			if inputAmt, ok := u.convertExactOutput(inputId, outputId, outputAmt, maxInputAmt); ok {
				for vout, balances := range allocatedConversion {
					bal, ok := balances[outputId]
					if !ok {
						continue
					}
					addTo(allocated[vout], outputId, bal)
				}
				burned[inputId] = new(big.Int).Sub(maxInputAmt, inputAmt)
				u.lastConvertOutpoint = &wire.OutPoint{Hash: txid, Index: 0}
			}
		}

		if getOrZero(burned, inputId).Sign() > 0 {
			isAllocated := false
			for vout, balances := range allocated {
				if isAllocated {
					break
				}
				if bal, ok := balances[inputId]; ok && bal.Sign() > 0 {
					addTo(allocated[vout], inputId, burned[inputId])
					isAllocated = true
				}
			}
			if !isAllocated {
				for vout, balances := range allocatedConversion {
					if bal, ok := balances[outputId]; ok && bal.Sign() > 0 {
						addTo(allocated[vout], inputId, burned[inputId])
						isAllocated = true
						break
					}
				}
			}
			if isAllocated {
				burned[inputId] = big.NewInt(0)
			}
		}
	}

	for vout, balances := range allocated {
		if len(balances) == 0 {
			continue
		}
		if runestone.IsOpReturn(tx.TxOut[vout].PkScript) {
			for id, bal := range balances {
				addTo(burned, id, bal)
			}
			continue
		}

		var rows []Balance
		for id, bal := range balances {
			if bal.Sign() <= 0 {
				continue
			}
			rows = append(rows, Balance{Id: id, Amount: bal})
		}
		if len(rows) == 0 {
			continue
		}

		op := wire.OutPoint{Hash: txid, Index: uint32(vout)}
		if err := u.balances().Put(outPointKey(op), EncodeBalances(rows)); err != nil {
			return err
		}
	}

	for id, amount := range burned {
		if amount.Sign() == 0 {
			continue
		}
		addTo(u.blockBurned, id, amount)
	}

	return nil
}

// Finish applies the accumulated burned amounts to the persisted token
// entries and then runs the once-per-block UtilState accrual.
func (u *RuneUpdater) Finish(util *UtilState) error {
	for id, burned := range u.blockBurned {
		entry, ok := u.getEntry(id)
		if !ok {
			continue
		}
		entry.Burned.Add(entry.Burned, burned)
		entry.Supply.Sub(entry.Supply, burned)
		checkU128(entry.Burned, "burned accounting")
		checkU128(entry.Supply, "supply accounting")
		u.putEntry(id, entry)
	}

	if u.conversionThisBlock {
		before := u.convertedSupplyPre
		after := u.convertedSupplyPost
		if before != nil && after != nil && before.Cmp(after) > 0 {
			numerator := new(big.Int).Mul(Base, new(big.Int).Sub(before, after))
			denom := new(big.Int).Add(before, after)
			if denom.Sign() > 0 {
				rate := new(big.Int).Div(numerator, denom)
				if rate.Sign() > 0 {
					util.RecordRate(rate)
				}
			}
		}
	}
	util.AccrueInterest()

	if u.lastMintOutpoint != nil {
		if err := u.lastOutpoints().Put([]byte(lastOutpointMint), outPointKey(*u.lastMintOutpoint)); err != nil {
			return err
		}
	}
	if u.lastConvertOutpoint != nil {
		if err := u.lastOutpoints().Put([]byte(lastOutpointConvert), outPointKey(*u.lastConvertOutpoint)); err != nil {
			return err
		}
	}

	return nil
}
