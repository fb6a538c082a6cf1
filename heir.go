package cc

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/bitcoinschema/go-aip"
	"github.com/bitcoinschema/go-bitcoin/v2"
	magic "github.com/bitcoinschema/go-map"
	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/transaction"
)

// globalHeirPubkey anchors the heir module's marker address, the same
// unspendable-key idiom the assets module uses for its global address.
var globalHeirPubkey = burnPubKey()

// AttestFunding AIP-signs a heir plan's memo as a MAP "memo" field, the same
// magic.Prefix/magic.Set MAP envelope inscribe.go builds before AIP-signing,
// so a funding tx's memo can be independently verified as authored by the
// owner rather than by whoever happened to broadcast the tx.
func AttestFunding(ownerWIF string, memo string) ([][]byte, error) {
	opReturn := bitcoin.OpReturnData{
		[]byte(magic.Prefix),
		[]byte(magic.Set),
		[]byte("memo"),
		[]byte(memo),
	}
	_, outData, _, err := aip.SignOpReturnData(ownerWIF, "BITCOIN_ECDSA", opReturn)
	if err != nil {
		return nil, newErr("AttestFunding", KindUnauthorised, "failed to aip-sign memo", err)
	}
	return outData, nil
}

// HeirFundConfig parameterises HeirFund.
type HeirFundConfig struct {
	Utxos          []*Utxo
	OwnerPk        *ec.PrivateKey
	HeirPk         *ec.PublicKey
	Amount         uint64
	Name           string
	Memo           string
	InactivitySecs uint32
	ChangeAddress  string
	SatsPerKb      uint64
}

// HeirFund opens a new inheritance plan: locks Amount coins in a 1-of-2
// (owner|heir) condition and deposits a small marker at the module's
// global address so HeirList can find the plan later.
func HeirFund(ctx context.Context, cfg *HeirFundConfig) (*transaction.Transaction, error) {
	if cfg.Amount == 0 {
		return nil, newErr("HeirFund", KindInputInvalid, "amount must be positive", nil)
	}
	normalTotal := TotalPubkeyNormalInputs(cfg.Utxos)
	if normalTotal < cfg.Amount {
		return nil, newErr("HeirFund", KindInsufficientFunds, "normal inputs below amount", nil)
	}

	payload, err := EncodeHeir(&HeirPayload{
		Func:           HeirFuncFund,
		Name:           cfg.Name,
		Memo:           cfg.Memo,
		OwnerPk:        cfg.OwnerPk.PubKey().Compressed(),
		HeirPk:         cfg.HeirPk.Compressed(),
		InactivitySecs: int64(cfg.InactivitySecs),
	})
	if err != nil {
		return nil, err
	}

	b := NewBuilder(cfg.SatsPerKb)
	if err := b.AddNormalInputs(cfg.Utxos, cfg.OwnerPk); err != nil {
		return nil, err
	}
	plan := MakeCC1of2(EvalHeir, cfg.OwnerPk.PubKey(), cfg.HeirPk)
	if err := b.AttachCCOutput(plan, cfg.Amount); err != nil {
		return nil, err
	}
	if err := b.AttachCCOutput(MakeCC1(EvalHeir, globalHeirPubkey), DefaultTxFee); err != nil {
		return nil, err
	}
	if err := b.AttachOpReturn(payload); err != nil {
		return nil, err
	}
	if cfg.ChangeAddress != "" {
		if err := b.AttachChange(cfg.ChangeAddress); err != nil {
			return nil, err
		}
	}
	return b.Finalize()
}

// HeirAddConfig parameterises HeirAdd.
type HeirAddConfig struct {
	Utxos          []*Utxo
	FundingTxID    []byte
	Signer         *ec.PrivateKey
	PlanCCUtxo     *CCUtxo
	OwnerPk        *ec.PublicKey
	HeirPk         *ec.PublicKey
	Amount         uint64
	Name           string
	InactivitySecs uint32
	LatestHasHeirSpending bool
	ChangeAddress  string
	SatsPerKb      uint64
}

// HeirAdd tops up an existing plan. Inputs need not come from the owner (a
// "donation" is allowed), but the latched has-heir-spending-began bit is
// always forwarded unchanged from the latest predecessor.
func HeirAdd(ctx context.Context, cfg *HeirAddConfig) (*transaction.Transaction, error) {
	if cfg.Amount == 0 {
		return nil, newErr("HeirAdd", KindInputInvalid, "amount must be positive", nil)
	}
	payload, err := EncodeHeir(&HeirPayload{
		Func:            HeirFuncAdd,
		Name:            cfg.Name,
		OwnerPk:         cfg.OwnerPk.Compressed(),
		HeirPk:          cfg.HeirPk.Compressed(),
		InactivitySecs:  int64(cfg.InactivitySecs),
		FundingTxID:     cfg.FundingTxID,
		HasHeirSpending: cfg.LatestHasHeirSpending,
	})
	if err != nil {
		return nil, err
	}

	b := NewBuilder(cfg.SatsPerKb)
	if err := b.AddNormalInputs(cfg.Utxos, cfg.Signer); err != nil {
		return nil, err
	}
	if err := b.AddTokenCCInputs([]*CCUtxo{cfg.PlanCCUtxo}, cfg.Signer); err != nil {
		return nil, err
	}
	plan := MakeCC1of2(EvalHeir, cfg.OwnerPk, cfg.HeirPk)
	if err := b.AttachCCOutput(plan, cfg.PlanCCUtxo.Satoshis+cfg.Amount); err != nil {
		return nil, err
	}
	if err := b.AttachOpReturn(payload); err != nil {
		return nil, err
	}
	if cfg.ChangeAddress != "" {
		if err := b.AttachChange(cfg.ChangeAddress); err != nil {
			return nil, err
		}
	}
	return b.Finalize()
}

// HeirClaimConfig parameterises HeirClaim.
type HeirClaimConfig struct {
	PlanCCUtxo       *CCUtxo
	Signer           *ec.PrivateKey
	IsHeir           bool
	OwnerPk          *ec.PublicKey
	HeirPk           *ec.PublicKey
	Amount           uint64
	Name             string
	InactivitySecs   uint32
	FundingTxID      []byte
	LatestHasHeirSpending bool
	SecondsSinceLastOwnerActivity int64
	ChangeAddress    string
	SatsPerKb        uint64
}

// HeirClaim withdraws Amount from a plan. The owner may always claim; the
// heir may only claim once the spending gate opens, either because the
// latch is already set or because the inactivity timer has expired.
func HeirClaim(ctx context.Context, cfg *HeirClaimConfig) (*transaction.Transaction, error) {
	if cfg.Amount == 0 || cfg.Amount > cfg.PlanCCUtxo.Satoshis {
		return nil, newErr("HeirClaim", KindInputInvalid, "amount out of range", nil)
	}

	becomesHeirSpending := cfg.LatestHasHeirSpending
	if cfg.IsHeir {
		gateOpen := cfg.LatestHasHeirSpending || cfg.SecondsSinceLastOwnerActivity >= int64(cfg.InactivitySecs)
		if !gateOpen {
			return nil, newErr("HeirClaim", KindStateGate, "heir claim attempted before inactivity timer expired", nil)
		}
		becomesHeirSpending = true
	}
	if cfg.LatestHasHeirSpending && !becomesHeirSpending {
		return nil, newErr("HeirClaim", KindInvariantViolation, "heir-spending latch may not revert from 1 to 0", nil)
	}

	payload, err := EncodeHeir(&HeirPayload{
		Func:            HeirFuncClaim,
		Name:            cfg.Name,
		OwnerPk:         cfg.OwnerPk.Compressed(),
		HeirPk:          cfg.HeirPk.Compressed(),
		InactivitySecs:  int64(cfg.InactivitySecs),
		FundingTxID:     cfg.FundingTxID,
		HasHeirSpending: becomesHeirSpending,
	})
	if err != nil {
		return nil, err
	}

	b := NewBuilder(cfg.SatsPerKb)
	if err := b.AddTokenCCInputs([]*CCUtxo{cfg.PlanCCUtxo}, cfg.Signer); err != nil {
		return nil, err
	}
	destPk := cfg.OwnerPk
	if cfg.IsHeir {
		destPk = cfg.HeirPk
	}
	if err := b.AttachP2PKHOutputPubkey(destPk, cfg.Amount); err != nil {
		return nil, err
	}
	if remainder := cfg.PlanCCUtxo.Satoshis - cfg.Amount; remainder > 0 {
		plan := MakeCC1of2(EvalHeir, cfg.OwnerPk, cfg.HeirPk)
		if err := b.AttachCCOutput(plan, remainder); err != nil {
			return nil, err
		}
	}
	if err := b.AttachOpReturn(payload); err != nil {
		return nil, err
	}
	if cfg.ChangeAddress != "" {
		if err := b.AttachChange(cfg.ChangeAddress); err != nil {
			return nil, err
		}
	}
	return b.Finalize()
}

// HeirInfo is the read-only report returned for a plan.
type HeirInfo struct {
	FundingTxID            string
	Name                   string
	IsTokenPlan            bool
	OwnerPk                []byte
	HeirPk                 []byte
	LifetimeDeposited      uint64
	Available              uint64
	InactivityTimeSetting  uint32
	CurrentInactivity      int64
	LastTxID               string
	IsHeirSpendingAllowed  bool
	Memo                   string
	OwnerRemainderTokens   uint64 // only meaningful for token plans
}

// GetHeirInfo assembles the read-only report for a plan, combining the
// funding tx's static terms with the latest tx's dynamic state.
func GetHeirInfo(ctx context.Context, reader UtxoIndexReader, planAddress string, fundingTxID []byte) (*HeirInfo, error) {
	fundingTx, err := reader.GetTx(ctx, hex.EncodeToString(fundingTxID))
	if err != nil {
		return nil, err
	}
	fundingRaw, err := extractOpReturnPayload(fundingTx.RawHex)
	if err != nil {
		return nil, err
	}
	fundingPayload, err := DecodeHeir(fundingRaw, fundingTx.Timestamp)
	if err != nil {
		return nil, err
	}

	latest, latestPayload, err := FindLatestFundingTx(ctx, reader, planAddress, fundingTxID)
	if err != nil {
		return nil, err
	}
	latestTx, err := reader.GetTx(ctx, latest.TxID)
	if err != nil {
		return nil, err
	}

	return &HeirInfo{
		FundingTxID:           hex.EncodeToString(fundingTxID),
		Name:                  fundingPayload.Name,
		OwnerPk:               fundingPayload.OwnerPk,
		HeirPk:                fundingPayload.HeirPk,
		Available:             latest.Satoshis,
		InactivityTimeSetting: uint32(fundingPayload.InactivitySecs),
		CurrentInactivity:     latestTx.Timestamp - fundingTx.Timestamp,
		LastTxID:              latest.TxID,
		IsHeirSpendingAllowed: latestPayload.HasHeirSpending,
		Memo:                  fundingPayload.Memo,
	}, nil
}

// FindLatestFundingTx walks the unspent outputs at a plan's 1-of-2 address,
// picking the one at the greatest block height whose op-return references
// fundingTxID. Donation txs are not told apart: every matching output
// counts, whoever signed its inputs.
func FindLatestFundingTx(ctx context.Context, reader UtxoIndexReader, planAddress string, fundingTxID []byte) (*CCUtxo, *HeirPayload, error) {
	utxos, err := reader.CCUtxos(ctx, planAddress, EvalHeir, 0)
	if err != nil {
		return nil, nil, err
	}
	var best *CCUtxo
	var bestPayload *HeirPayload
	for _, u := range utxos {
		txInfo, err := reader.GetTx(ctx, u.TxID)
		if err != nil {
			continue
		}
		raw, err := extractOpReturnPayload(txInfo.RawHex)
		if err != nil {
			continue
		}
		hp, err := DecodeHeir(raw, txInfo.Timestamp)
		if err != nil {
			continue
		}
		if !bytes.Equal(hp.FundingTxID, fundingTxID) {
			continue
		}
		if best == nil || u.Height > best.Height {
			best, bestPayload = u, hp
		}
	}
	if best == nil {
		return nil, nil, newErr("FindLatestFundingTx", KindNotFound, "no matching plan utxo found", nil)
	}
	return best, bestPayload, nil
}

// HeirList enumerates all plans by listing unspent outputs at the module's
// global marker address.
func HeirList(ctx context.Context, reader UtxoIndexReader) ([]*CCUtxo, error) {
	addr, err := MakeCC1(EvalHeir, globalHeirPubkey).CCAddress(true)
	if err != nil {
		return nil, err
	}
	return reader.CCUtxos(ctx, addr, EvalHeir, HeirFuncFund)
}

// NewHeirPredicate builds the tx-driven C7 validator for EvalHeir. It
// builds an input/output validation plan per funcid: 'F' checks that a
// new plan locks a 1-of-2 condition for the declared owner/heir and
// deposits the global marker; 'A'/'C' check that the spent plan input
// commits to those same pubkeys and that the has-heir-spending-began
// latch never reverts from 1 to 0.
//
// The 'C' claim gate's wall-clock half -- (now - block_time(latest)) >=
// inactivity_sec -- has no clock source available to a context-free,
// single-transaction Predicate, so it is not checked here; it is enforced
// at HeirClaim construction time instead.
func NewHeirPredicate(reader UtxoIndexReader) Predicate {
	return func(tx *transaction.Transaction, vin int) (bool, string) {
		ctx := context.Background()

		payload, err := extractOpReturnPayloadFromTx(tx)
		if err != nil {
			return false, "heir predicate: " + err.Error()
		}
		decoded, err := DecodeHeir(payload, May2020NNElectionHardfork)
		if err != nil {
			return false, "heir predicate: " + err.Error()
		}

		switch decoded.Func {
		case HeirFuncFund:
			return validateHeirFund(decoded, tx)
		case HeirFuncAdd, HeirFuncClaim:
			return validateHeirSpend(ctx, reader, decoded, tx)
		default:
			return false, fmt.Sprintf("heir predicate: unrecognised funcid %q", decoded.Func)
		}
	}
}

// validateHeirFund checks a new plan's vout shape: a 1-of-2 condition for
// the declared owner/heir pubkeys, plus a marker deposit at the module's
// global address.
func validateHeirFund(decoded *HeirPayload, tx *transaction.Transaction) (bool, string) {
	var sawPlan, sawMarker bool
	for _, out := range tx.Outputs {
		eval, _, ok := decodeConditionScript(out.LockingScript)
		if !ok || eval != EvalHeir {
			continue
		}
		pks := decodeConditionPubkeys(out.LockingScript)
		switch len(pks) {
		case 2:
			if pubkeySetMatches(pks, decoded.OwnerPk, decoded.HeirPk) {
				sawPlan = true
			}
		case 1:
			if bytes.Equal(pks[0], globalHeirPubkey.Compressed()) {
				sawMarker = true
			}
		}
	}
	if !sawPlan {
		return false, "heir predicate: fund does not lock a 1-of-2 plan output matching owner/heir"
	}
	if !sawMarker {
		return false, "heir predicate: fund does not deposit the global marker output"
	}
	return true, ""
}

// validateHeirSpend checks an 'A' or 'C' spend's CC input against the
// declared plan pubkeys, and resolves the immediate predecessor's latched
// has-heir-spending-began bit to check it cannot revert. 'C' additionally
// requires a non-CC payout output to exist; 'A' is a deposit/top-up and
// never produces one.
func validateHeirSpend(ctx context.Context, reader UtxoIndexReader, decoded *HeirPayload, tx *transaction.Transaction) (bool, string) {
	var sawPlanInput bool
	var priorHasSpending bool
	for vin, in := range tx.Inputs {
		prev, err := prevOutput(ctx, reader, tx, vin)
		if err != nil {
			continue
		}
		eval, _, ok := decodeConditionScript(prev.LockingScript)
		if !ok || eval != EvalHeir {
			continue
		}
		pks := decodeConditionPubkeys(prev.LockingScript)
		if len(pks) != 2 {
			continue // the global-marker 1-of-1 input, not the plan itself
		}
		if !pubkeySetMatches(pks, decoded.OwnerPk, decoded.HeirPk) {
			return false, "heir predicate: spent plan input does not commit to declared owner/heir pubkeys"
		}
		sawPlanInput = true
		if priorPayload, err := heirPayloadOf(ctx, reader, in); err == nil {
			priorHasSpending = priorPayload.HasHeirSpending
		}
	}
	if !sawPlanInput {
		return false, "heir predicate: no plan input spent"
	}
	if ok, reason := HeirLatchPredicate(priorHasSpending, decoded.HasHeirSpending); !ok {
		return false, reason
	}

	if decoded.Func == HeirFuncClaim {
		var sawPayout bool
		for _, out := range tx.Outputs {
			if eval, _, ok := decodeConditionScript(out.LockingScript); ok && eval == EvalHeir {
				continue // plan remainder output, not a payout
			}
			if out.Satoshis > 0 {
				sawPayout = true
			}
		}
		if !sawPayout {
			return false, "heir predicate: no payout output found"
		}
	}
	return true, ""
}

func pubkeySetMatches(pks [][]byte, a, b []byte) bool {
	if len(pks) != 2 {
		return false
	}
	return (bytes.Equal(pks[0], a) && bytes.Equal(pks[1], b)) || (bytes.Equal(pks[0], b) && bytes.Equal(pks[1], a))
}

// heirPayloadOf decodes the op_return payload of the transaction that
// produced in's spent output, used to read the latched
// has-heir-spending-began bit carried forward by the immediate
// predecessor without recursing into the predicate itself.
func heirPayloadOf(ctx context.Context, reader UtxoIndexReader, in *transaction.TransactionInput) (*HeirPayload, error) {
	if in.SourceTXID == nil {
		return nil, newErr("heirPayloadOf", KindInputInvalid, "input carries no source txid", nil)
	}
	info, err := reader.GetTx(ctx, in.SourceTXID.String())
	if err != nil {
		return nil, err
	}
	payload, err := extractOpReturnPayload(info.RawHex)
	if err != nil {
		return nil, err
	}
	return DecodeHeir(payload, info.Timestamp)
}
