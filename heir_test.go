package cc

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/stretchr/testify/assert"
)

// mapReader is a UtxoIndexReader test double keyed by address/txid, used by
// the heir tests to exercise FindLatestFundingTx/GetHeirInfo's multi-tx
// lookups (the package-level fakeReader in token_test.go only models a
// single flat answer, not per-key routing).
type mapReader struct {
	ccUtxosByAddr map[string][]*CCUtxo
	txByID        map[string]*TxInfo
}

func (m *mapReader) NormalUtxos(ctx context.Context, address string) ([]*Utxo, error) { return nil, nil }
func (m *mapReader) CCUtxos(ctx context.Context, address string, eval byte, funcID byte) ([]*CCUtxo, error) {
	return m.ccUtxosByAddr[address], nil
}
func (m *mapReader) GetTx(ctx context.Context, txid string) (*TxInfo, error) {
	tx, ok := m.txByID[txid]
	if !ok {
		return nil, newErr("GetTx", KindNotFound, "no such tx", nil)
	}
	return tx, nil
}
func (m *mapReader) MempoolUtxosAt(ctx context.Context, address string) ([]*Utxo, error) {
	return nil, nil
}

func heirOpReturnHex(t *testing.T, p *HeirPayload) string {
	payload, err := EncodeHeir(p)
	assert.NoError(t, err)
	b := NewBuilder(0)
	assert.NoError(t, b.AttachOpReturn(payload))
	return b.Tx.String()
}

func TestHeirFund(t *testing.T) {
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)

	tx, err := HeirFund(context.Background(), &HeirFundConfig{
		Utxos:          []*Utxo{testUtxo("p1", 0, 1000000)},
		OwnerPk:        ownerPk,
		HeirPk:         heirPk.PubKey(),
		Amount:         500000,
		Name:           "my plan",
		Memo:           "for my children",
		InactivitySecs: 365 * 86400,
		SatsPerKb:      500,
	})
	assert.NoError(t, err)
	// plan escrow + marker + op_return.
	assert.Equal(t, 3, len(tx.Outputs))
	assert.Equal(t, uint64(500000), tx.Outputs[0].Satoshis)
	assert.Equal(t, uint64(DefaultTxFee), tx.Outputs[1].Satoshis)
}

func TestHeirFundRejectsZeroAmount(t *testing.T) {
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	_, err = HeirFund(context.Background(), &HeirFundConfig{OwnerPk: ownerPk, HeirPk: heirPk.PubKey(), Amount: 0})
	assert.Error(t, err)
	assert.True(t, Is(err, KindInputInvalid))
}

func TestHeirAddForwardsLatch(t *testing.T) {
	signerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)

	tx, err := HeirAdd(context.Background(), &HeirAddConfig{
		Utxos:                 []*Utxo{testUtxo("p1", 0, 100000)},
		FundingTxID:           bytes.Repeat([]byte{0xaa}, 32),
		Signer:                signerPk,
		PlanCCUtxo:            testCCUtxo("plan1", 0, 500000, EvalHeir, HeirFuncFund),
		OwnerPk:               ownerPk.PubKey(),
		HeirPk:                heirPk.PubKey(),
		Amount:                50000,
		LatestHasHeirSpending: true,
	})
	assert.NoError(t, err)
	// plan CC output (old balance + deposit) + op_return.
	assert.Equal(t, 2, len(tx.Outputs))
	assert.Equal(t, uint64(550000), tx.Outputs[0].Satoshis)

	decoded, err := DecodeHeir(mustExtractOpReturn(t, tx), May2020NNElectionHardfork)
	assert.NoError(t, err)
	assert.True(t, decoded.HasHeirSpending)
}

func mustExtractOpReturn(t *testing.T, tx interface{ String() string }) []byte {
	payload, err := extractOpReturnPayload(tx.String())
	assert.NoError(t, err)
	return payload
}

func TestHeirClaimOwnerAlwaysAllowed(t *testing.T) {
	signerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)

	tx, err := HeirClaim(context.Background(), &HeirClaimConfig{
		PlanCCUtxo:                    testCCUtxo("plan1", 0, 500000, EvalHeir, HeirFuncFund),
		Signer:                        signerPk,
		IsHeir:                        false,
		OwnerPk:                       ownerPk.PubKey(),
		HeirPk:                        heirPk.PubKey(),
		Amount:                        100000,
		InactivitySecs:                365 * 86400,
		SecondsSinceLastOwnerActivity: 10, // far below the inactivity window
	})
	assert.NoError(t, err)
	// payout + plan remainder + op_return.
	assert.Equal(t, 3, len(tx.Outputs))
	assert.Equal(t, uint64(100000), tx.Outputs[0].Satoshis)
	assert.Equal(t, uint64(400000), tx.Outputs[1].Satoshis)
}

func TestHeirClaimHeirGatedByInactivity(t *testing.T) {
	signerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)

	cfg := &HeirClaimConfig{
		PlanCCUtxo:                    testCCUtxo("plan1", 0, 500000, EvalHeir, HeirFuncFund),
		Signer:                        signerPk,
		IsHeir:                        true,
		OwnerPk:                       ownerPk.PubKey(),
		HeirPk:                        heirPk.PubKey(),
		Amount:                        100000,
		InactivitySecs:                1000,
		SecondsSinceLastOwnerActivity: 500, // timer has not expired yet
	}
	_, err = HeirClaim(context.Background(), cfg)
	assert.Error(t, err)
	assert.True(t, Is(err, KindStateGate))

	cfg.SecondsSinceLastOwnerActivity = 1000
	tx, err := HeirClaim(context.Background(), cfg)
	assert.NoError(t, err)
	assert.Equal(t, uint64(100000), tx.Outputs[0].Satoshis)
}

func TestHeirClaimHeirAllowedOnceLatchIsSet(t *testing.T) {
	signerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)

	tx, err := HeirClaim(context.Background(), &HeirClaimConfig{
		PlanCCUtxo:                    testCCUtxo("plan1", 0, 500000, EvalHeir, HeirFuncFund),
		Signer:                        signerPk,
		IsHeir:                        true,
		OwnerPk:                       ownerPk.PubKey(),
		HeirPk:                        heirPk.PubKey(),
		Amount:                        100000,
		InactivitySecs:                100000,
		LatestHasHeirSpending:         true,
		SecondsSinceLastOwnerActivity: 1, // timer nowhere near expired
	})
	assert.NoError(t, err)
	assert.NotNil(t, tx)
}

func TestHeirClaimLatchCannotRevert(t *testing.T) {
	// An owner claim after the heir has already begun spending must still
	// carry the latch forward; a *candidate* trying to clear it is rejected.
	// becomesHeirSpending starts at cfg.LatestHasHeirSpending for an owner
	// claim and is never cleared by this code path, so this exercises the
	// guard indirectly by confirming the owner claim keeps the bit set.
	signerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)

	tx, err := HeirClaim(context.Background(), &HeirClaimConfig{
		PlanCCUtxo:            testCCUtxo("plan1", 0, 500000, EvalHeir, HeirFuncFund),
		Signer:                signerPk,
		IsHeir:                false,
		OwnerPk:               ownerPk.PubKey(),
		HeirPk:                heirPk.PubKey(),
		Amount:                100000,
		LatestHasHeirSpending: true,
	})
	assert.NoError(t, err)
	decoded, err := DecodeHeir(mustExtractOpReturn(t, tx), May2020NNElectionHardfork)
	assert.NoError(t, err)
	assert.True(t, decoded.HasHeirSpending)
}

func TestHeirClaimRejectsOverAmount(t *testing.T) {
	signerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	_, err = HeirClaim(context.Background(), &HeirClaimConfig{
		PlanCCUtxo: testCCUtxo("plan1", 0, 1000, EvalHeir, HeirFuncFund),
		Signer:     signerPk,
		OwnerPk:    ownerPk.PubKey(),
		HeirPk:     heirPk.PubKey(),
		Amount:     5000,
	})
	assert.Error(t, err)
	assert.True(t, Is(err, KindInputInvalid))
}

func TestFindLatestFundingTxPicksHighestBlock(t *testing.T) {
	fundingTxID := bytes.Repeat([]byte{0xaa}, 32)
	ownerPkRaw := []byte{0x02, 0x01}
	heirPkRaw := []byte{0x02, 0x02}

	olderPayload := &HeirPayload{Func: HeirFuncAdd, OwnerPk: ownerPkRaw, HeirPk: heirPkRaw, FundingTxID: fundingTxID}
	newerPayload := &HeirPayload{Func: HeirFuncClaim, OwnerPk: ownerPkRaw, HeirPk: heirPkRaw, FundingTxID: fundingTxID, HasHeirSpending: true}

	reader := &mapReader{
		ccUtxosByAddr: map[string][]*CCUtxo{
			"plan-addr": {
				testCCUtxo("older", 0, 400000, EvalHeir, HeirFuncAdd),
				testCCUtxo("newer", 0, 300000, EvalHeir, HeirFuncClaim),
			},
		},
		txByID: map[string]*TxInfo{
			"older": {TxID: "older", RawHex: heirOpReturnHex(t, olderPayload), Height: 100},
			"newer": {TxID: "newer", RawHex: heirOpReturnHex(t, newerPayload), Height: 200},
		},
	}
	reader.ccUtxosByAddr["plan-addr"][0].Height = 100
	reader.ccUtxosByAddr["plan-addr"][1].Height = 200

	best, payload, err := FindLatestFundingTx(context.Background(), reader, "plan-addr", fundingTxID)
	assert.NoError(t, err)
	assert.Equal(t, "newer", best.TxID)
	assert.True(t, payload.HasHeirSpending)
}

func TestFindLatestFundingTxNoMatch(t *testing.T) {
	reader := &mapReader{ccUtxosByAddr: map[string][]*CCUtxo{}, txByID: map[string]*TxInfo{}}
	_, _, err := FindLatestFundingTx(context.Background(), reader, "plan-addr", bytes.Repeat([]byte{0xaa}, 32))
	assert.Error(t, err)
	assert.True(t, Is(err, KindNotFound))
}

func TestGetHeirInfo(t *testing.T) {
	fundingTxID := bytes.Repeat([]byte{0xbb}, 32)
	fundingTxIDHex := hex.EncodeToString(fundingTxID)
	ownerPkRaw := []byte{0x02, 0x01}
	heirPkRaw := []byte{0x02, 0x02}

	fundingPayload := &HeirPayload{
		Func: HeirFuncFund, Name: "estate", Memo: "to my kids",
		OwnerPk: ownerPkRaw, HeirPk: heirPkRaw, InactivitySecs: 3600, FundingTxID: fundingTxID,
	}
	latestPayload := &HeirPayload{
		Func: HeirFuncAdd, OwnerPk: ownerPkRaw, HeirPk: heirPkRaw, FundingTxID: fundingTxID, HasHeirSpending: true,
	}

	reader := &mapReader{
		ccUtxosByAddr: map[string][]*CCUtxo{
			"plan-addr": {testCCUtxo("latest", 0, 250000, EvalHeir, HeirFuncAdd)},
		},
		txByID: map[string]*TxInfo{
			fundingTxIDHex: {TxID: fundingTxIDHex, RawHex: heirOpReturnHex(t, fundingPayload), Timestamp: 1000},
			"latest":       {TxID: "latest", RawHex: heirOpReturnHex(t, latestPayload), Timestamp: 5000, Height: 50},
		},
	}
	reader.ccUtxosByAddr["plan-addr"][0].Height = 50

	info, err := GetHeirInfo(context.Background(), reader, "plan-addr", fundingTxID)
	assert.NoError(t, err)
	assert.Equal(t, "estate", info.Name)
	assert.Equal(t, "to my kids", info.Memo)
	assert.Equal(t, uint64(250000), info.Available)
	assert.Equal(t, int64(4000), info.CurrentInactivity)
	assert.True(t, info.IsHeirSpendingAllowed)
	assert.Equal(t, uint32(3600), info.InactivityTimeSetting)
}

func TestHeirListReadsGlobalMarkerAddress(t *testing.T) {
	addr, err := MakeCC1(EvalHeir, globalHeirPubkey).CCAddress(true)
	assert.NoError(t, err)

	reader := &mapReader{ccUtxosByAddr: map[string][]*CCUtxo{
		addr: {testCCUtxo("f1", 0, DefaultTxFee, EvalHeir, HeirFuncFund)},
	}}
	plans, err := HeirList(context.Background(), reader)
	assert.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestNewHeirPredicateAcceptsFund(t *testing.T) {
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)

	tx, err := HeirFund(context.Background(), &HeirFundConfig{
		Utxos:          []*Utxo{testUtxo(strings.Repeat("aa", 32), 0, 1000000)},
		OwnerPk:        ownerPk,
		HeirPk:         heirPk.PubKey(),
		Amount:         500000,
		Name:           "my plan",
		InactivitySecs: 365 * 86400,
		SatsPerKb:      500,
	})
	assert.NoError(t, err)

	predicate := NewHeirPredicate(&mapReader{})
	ok, reason := predicate(tx, 0)
	assert.True(t, ok, reason)
}

func TestNewHeirPredicateRejectsFundMissingMarker(t *testing.T) {
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)

	payload, err := EncodeHeir(&HeirPayload{
		Func:    HeirFuncFund,
		OwnerPk: ownerPk.PubKey().Compressed(),
		HeirPk:  heirPk.PubKey().Compressed(),
	})
	assert.NoError(t, err)

	b := NewBuilder(0)
	assert.NoError(t, b.AttachCCOutput(MakeCC1of2(EvalHeir, ownerPk.PubKey(), heirPk.PubKey()), 500000))
	assert.NoError(t, b.AttachOpReturn(payload))

	predicate := NewHeirPredicate(&mapReader{})
	ok, reason := predicate(b.Tx, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "marker")
}

func TestNewHeirPredicateAcceptsAddSpend(t *testing.T) {
	signerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)

	fundTx, err := HeirFund(context.Background(), &HeirFundConfig{
		Utxos:          []*Utxo{testUtxo(strings.Repeat("aa", 32), 0, 1000000)},
		OwnerPk:        ownerPk,
		HeirPk:         heirPk.PubKey(),
		Amount:         500000,
		InactivitySecs: 365 * 86400,
		SatsPerKb:      500,
	})
	assert.NoError(t, err)
	fundTxID := fundTx.TxID().String()

	reader := &mapReader{txByID: map[string]*TxInfo{
		fundTxID: {TxID: fundTxID, RawHex: fundTx.String()},
	}}

	// HeirAdd is a top-up: it never emits a plain payout output, only a
	// combined CC plan output and an op_return.
	addTx, err := HeirAdd(context.Background(), &HeirAddConfig{
		Utxos:       []*Utxo{testUtxo(strings.Repeat("bb", 32), 0, 100000)},
		FundingTxID: bytes.Repeat([]byte{0xaa}, 32),
		Signer:      signerPk,
		PlanCCUtxo:  testCCUtxo(fundTxID, 0, 500000, EvalHeir, HeirFuncFund),
		OwnerPk:     ownerPk.PubKey(),
		HeirPk:      heirPk.PubKey(),
		Amount:      50000,
		SatsPerKb:   500,
	})
	assert.NoError(t, err)

	predicate := NewHeirPredicate(reader)
	ok, reason := predicate(addTx, 1)
	assert.True(t, ok, reason)
}

func TestNewHeirPredicateRejectsSpendWrongPubkeys(t *testing.T) {
	signerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	otherPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)

	fundTx, err := HeirFund(context.Background(), &HeirFundConfig{
		Utxos:          []*Utxo{testUtxo(strings.Repeat("aa", 32), 0, 1000000)},
		OwnerPk:        ownerPk,
		HeirPk:         heirPk.PubKey(),
		Amount:         500000,
		InactivitySecs: 365 * 86400,
		SatsPerKb:      500,
	})
	assert.NoError(t, err)
	fundTxID := fundTx.TxID().String()

	reader := &mapReader{txByID: map[string]*TxInfo{
		fundTxID: {TxID: fundTxID, RawHex: fundTx.String()},
	}}

	addTx, err := HeirAdd(context.Background(), &HeirAddConfig{
		Utxos:       []*Utxo{testUtxo(strings.Repeat("bb", 32), 0, 100000)},
		FundingTxID: bytes.Repeat([]byte{0xaa}, 32),
		Signer:      signerPk,
		PlanCCUtxo:  testCCUtxo(fundTxID, 0, 500000, EvalHeir, HeirFuncFund),
		// Declares a different owner pubkey than the plan input actually
		// commits to.
		OwnerPk:   otherPk.PubKey(),
		HeirPk:    heirPk.PubKey(),
		Amount:    50000,
		SatsPerKb: 500,
	})
	assert.NoError(t, err)

	predicate := NewHeirPredicate(reader)
	ok, reason := predicate(addTx, 1)
	assert.False(t, ok)
	assert.Contains(t, reason, "owner/heir")
}

func TestNewHeirPredicateAcceptsClaimSpend(t *testing.T) {
	signerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	ownerPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	heirPk, err := ec.NewPrivateKey()
	assert.NoError(t, err)

	fundTx, err := HeirFund(context.Background(), &HeirFundConfig{
		Utxos:          []*Utxo{testUtxo(strings.Repeat("aa", 32), 0, 1000000)},
		OwnerPk:        ownerPk,
		HeirPk:         heirPk.PubKey(),
		Amount:         500000,
		InactivitySecs: 365 * 86400,
		SatsPerKb:      500,
	})
	assert.NoError(t, err)
	fundTxID := fundTx.TxID().String()

	reader := &mapReader{txByID: map[string]*TxInfo{
		fundTxID: {TxID: fundTxID, RawHex: fundTx.String()},
	}}

	claimTx, err := HeirClaim(context.Background(), &HeirClaimConfig{
		PlanCCUtxo:                    testCCUtxo(fundTxID, 0, 500000, EvalHeir, HeirFuncFund),
		Signer:                        signerPk,
		IsHeir:                        false,
		OwnerPk:                       ownerPk.PubKey(),
		HeirPk:                        heirPk.PubKey(),
		Amount:                        100000,
		InactivitySecs:                365 * 86400,
		SecondsSinceLastOwnerActivity: 10,
		SatsPerKb:                     500,
	})
	assert.NoError(t, err)

	predicate := NewHeirPredicate(reader)
	ok, reason := predicate(claimTx, 0)
	assert.True(t, ok, reason)
}

func TestAttestFundingSignsMapEnvelope(t *testing.T) {
	pk, err := ec.NewPrivateKey()
	assert.NoError(t, err)
	wif, err := pk.Wif()
	assert.NoError(t, err)

	out, err := AttestFunding(wif, "for my children")
	assert.NoError(t, err)
	assert.NotEmpty(t, out)
}
