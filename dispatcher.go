package cc

import (
	"fmt"
	"sync"

	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/sirupsen/logrus"
)

// Predicate validates a single CC-gated input, returning a reason string on
// rejection (a nil/empty reason with ok=true means the spend is valid).
type Predicate func(tx *transaction.Transaction, vin int) (ok bool, reason string)

// Dispatcher routes a spent input to its module predicate by eval-code and
// memoises results per (tx-hash, eval-code) for the duration of one
// validation epoch (one block or mempool-acceptance pass), matching
// CClib_Dispatch/ProcessCC's cache-then-invoke shape.
type Dispatcher struct {
	mu         sync.Mutex
	predicates map[byte]Predicate
	memo       map[memoKey]memoResult
	log        *logrus.Logger
}

type memoKey struct {
	txHash string
	eval   byte
}

type memoResult struct {
	ok     bool
	reason string
}

// NewDispatcher builds an empty dispatcher. Register module predicates with
// Register before calling Validate.
func NewDispatcher(log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	return &Dispatcher{
		predicates: make(map[byte]Predicate),
		memo:       make(map[memoKey]memoResult),
		log:        log,
	}
}

// Register installs the predicate for a given eval-code. Calling it twice
// for the same eval-code replaces the prior registration, matching how a
// process reconfigures its CC contract table at startup.
func (d *Dispatcher) Register(eval byte, p Predicate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.predicates[eval] = p
}

// ResetEpoch clears the memoisation table, called between blocks.
func (d *Dispatcher) ResetEpoch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memo = make(map[memoKey]memoResult)
}

// Validate dispatches input vin of tx to the predicate registered for eval,
// the eval-code the caller supplies for that input's prevout condition,
// short-circuiting on a cached result for this (tx-hash, eval-code) pair.
func (d *Dispatcher) Validate(txHash string, vin int, eval byte, tx *transaction.Transaction) (bool, string) {
	key := memoKey{txHash: txHash, eval: eval}

	d.mu.Lock()
	if cached, ok := d.memo[key]; ok {
		d.mu.Unlock()
		d.log.WithFields(logrus.Fields{"txhash": txHash, "eval": fmt.Sprintf("%02x", eval), "cached": true}).Debug("cc validate")
		return cached.ok, cached.reason
	}
	predicate, registered := d.predicates[eval]
	d.mu.Unlock()

	if !registered {
		reason := fmt.Sprintf("no predicate registered for eval-code %02x", eval)
		d.log.WithFields(logrus.Fields{"txhash": txHash, "eval": fmt.Sprintf("%02x", eval)}).Warn(reason)
		d.storeResult(key, false, reason)
		return false, reason
	}

	ok, reason := predicate(tx, vin)
	d.log.WithFields(logrus.Fields{
		"txhash": txHash,
		"vin":    vin,
		"eval":   fmt.Sprintf("%02x", eval),
		"ok":     ok,
	}).Debug("cc validate")
	d.storeResult(key, ok, reason)
	return ok, reason
}

func (d *Dispatcher) storeResult(key memoKey, ok bool, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memo[key] = memoResult{ok: ok, reason: reason}
}

// RegisterDefaultPredicates installs the module predicates for
// EvalTokensV1, EvalTokensV2, EvalAssets, EvalAssetsV2 and EvalHeir against
// d, resolving every input-predecessor and indexer lookup the predicates
// need through reader. A process calls this once at startup in place of
// registering each eval-code by hand.
func RegisterDefaultPredicates(d *Dispatcher, reader UtxoIndexReader) {
	tokenPredicate := NewTokenPredicate(reader)
	d.Register(EvalTokensV1, tokenPredicate)
	d.Register(EvalTokensV2, tokenPredicate)
	assetPredicate := NewAssetPredicate(reader)
	d.Register(EvalAssets, assetPredicate)
	d.Register(EvalAssetsV2, assetPredicate)
	d.Register(EvalHeir, NewHeirPredicate(reader))
}

// TokenPredicate enforces invariant I1 (conservation) and I2 (marker/burn)
// over already-derived token-in/token-out amounts and marker/burn flags.
// NewTokenPredicate's validateTokenTransfer runs the same two checks by
// calling Validate and ValidateMarkerBurn directly, not through this
// function.
func TokenPredicate(tokenInAmounts, tokenOutAmounts []uint64, markerSpent, nftBurned bool) (bool, string) {
	if err := Validate(tokenInAmounts, tokenOutAmounts); err != nil {
		return false, err.Error()
	}
	if err := ValidateMarkerBurn(markerSpent, nftBurned); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// HeirLatchPredicate is the monotonicity core NewHeirPredicate's
// validateHeirSpend calls once it has resolved the immediate predecessor's
// latched has-heir-spending-began bit: it enforces the latch invariant for
// a candidate 'A' or 'C' spend given that already-resolved prior value.
func HeirLatchPredicate(latestHasHeirSpending, candidateHasHeirSpending bool) (bool, string) {
	if latestHasHeirSpending && !candidateHasHeirSpending {
		return false, "heir-spending latch may not revert from 1 to 0"
	}
	return true, ""
}
