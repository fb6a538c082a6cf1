package cc

import (
	"context"
	"encoding/hex"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/script"
	"github.com/bsv-blockchain/go-sdk/transaction"
	fee_model "github.com/bsv-blockchain/go-sdk/transaction/fee_model"
	"github.com/bsv-blockchain/go-sdk/transaction/template/p2pkh"
)

// Builder wires together the common tx-assembly steps every module
// operation repeats: fund from normal UTXOs, spend/attach CC outputs,
// finalize with a fee model and signatures. It generalises the
// input-loop/fee/sign tail every builder in the reference repository
// hand-rolled identically in each exported function.
type Builder struct {
	Tx      *transaction.Transaction
	FeeRate uint64
}

// NewBuilder starts a fresh transaction with the given fee rate (0 selects
// DefaultSatPerKb).
func NewBuilder(feeRate uint64) *Builder {
	if feeRate == 0 {
		feeRate = DefaultSatPerKb
	}
	return &Builder{Tx: transaction.NewTransaction(), FeeRate: feeRate}
}

// AddNormalInputs funds the transaction from a caller-supplied set of plain
// P2PKH UTXOs signed by pk.
func (b *Builder) AddNormalInputs(utxos []*Utxo, pk *ec.PrivateKey) error {
	for _, u := range utxos {
		unlocker, err := p2pkh.Unlock(pk, nil)
		if err != nil {
			return newErr("AddNormalInputs", KindInputInvalid, "failed to create unlocker", err)
		}
		if err := b.Tx.AddInputFrom(u.TxID, u.Vout, u.ScriptPubKey, u.Satoshis, unlocker); err != nil {
			return newErr("AddNormalInputs", KindInputInvalid, "failed to add input", err)
		}
	}
	return nil
}

// AddNormalInputsRemote is AddNormalInputs but resolves the spend set
// itself from a UtxoIndexReader, adding normal utxos at address until
// their total reaches target. The module's builders do not call it: they
// fund from caller-supplied utxos through AddNormalInputs.
func (b *Builder) AddNormalInputsRemote(ctx context.Context, reader UtxoIndexReader, address string, pk *ec.PrivateKey, target uint64) (uint64, error) {
	utxos, err := reader.NormalUtxos(ctx, address)
	if err != nil {
		return 0, newErr("AddNormalInputsRemote", KindNotFound, "failed to list normal utxos", err)
	}
	var total uint64
	for _, u := range utxos {
		if err := b.AddNormalInputs([]*Utxo{u}, pk); err != nil {
			return 0, err
		}
		total += u.Satoshis
		if total >= target {
			break
		}
	}
	if total < target {
		return total, newErr("AddNormalInputsRemote", KindInsufficientFunds, "not enough normal utxos to reach target", nil)
	}
	return total, nil
}

// AddTokenCCInputs spends every given CC token UTXO, unlocked by pk. It
// does no selection and does not report the amount covered; callers sum
// the set with TotalPubkeyCCInputs (tokens in this module are whole-unit,
// integer amounts).
func (b *Builder) AddTokenCCInputs(utxos []*CCUtxo, pk *ec.PrivateKey) error {
	for _, u := range utxos {
		unlocker, err := p2pkh.Unlock(pk, nil)
		if err != nil {
			return newErr("AddTokenCCInputs", KindInputInvalid, "failed to create cc unlocker", err)
		}
		if err := b.Tx.AddInputFrom(u.TxID, u.Vout, u.ScriptPubKey, u.Satoshis, unlocker); err != nil {
			return newErr("AddTokenCCInputs", KindInputInvalid, "failed to add cc input", err)
		}
	}
	return nil
}

// AttachCCOutput adds an output locked to cond's condition script.
func (b *Builder) AttachCCOutput(cond *Condition, satoshis uint64) error {
	s, err := cond.Script()
	if err != nil {
		return err
	}
	b.Tx.AddOutput(&transaction.TransactionOutput{LockingScript: s, Satoshis: satoshis})
	return nil
}

// AttachP2PKHOutputPubkey adds a plain payment output locked to pk's
// P2PKH address, the "pay this pubkey directly" shape every fill/cancel
// payout in the asset module needs.
func (b *Builder) AttachP2PKHOutputPubkey(pk *ec.PublicKey, satoshis uint64) error {
	addr, err := script.NewAddressFromPublicKey(pk, true)
	if err != nil {
		return newErr("AttachP2PKHOutputPubkey", KindInputInvalid, "failed to derive address from pubkey", err)
	}
	s, err := p2pkh.Lock(addr)
	if err != nil {
		return newErr("AttachP2PKHOutputPubkey", KindInputInvalid, "failed to lock p2pkh script", err)
	}
	b.Tx.AddOutput(&transaction.TransactionOutput{LockingScript: s, Satoshis: satoshis})
	return nil
}

// AttachP2PKHOutput adds a plain payment output to address.
func (b *Builder) AttachP2PKHOutput(address string, satoshis uint64) error {
	addr, err := script.NewAddressFromString(address)
	if err != nil {
		return newErr("AttachP2PKHOutput", KindInputInvalid, "bad address", err)
	}
	s, err := p2pkh.Lock(addr)
	if err != nil {
		return newErr("AttachP2PKHOutput", KindInputInvalid, "failed to lock p2pkh script", err)
	}
	b.Tx.AddOutput(&transaction.TransactionOutput{LockingScript: s, Satoshis: satoshis})
	return nil
}

// AttachOpReturn adds a zero-satoshi OP_RETURN output carrying payload,
// built the same "OP_FALSE OP_RETURN <hex>" ASM string the reference
// repository's own op-return helpers assemble.
func (b *Builder) AttachOpReturn(payload []byte) error {
	asm := "OP_FALSE OP_RETURN " + hex.EncodeToString(payload)
	s, err := script.NewFromASM(asm)
	if err != nil {
		return newErr("AttachOpReturn", KindInputInvalid, "failed to assemble op_return script", err)
	}
	b.Tx.AddOutput(&transaction.TransactionOutput{LockingScript: s, Satoshis: 0})
	return nil
}

// AttachChange adds a change output to address, deferring the exact
// satoshi amount to the fee model at Finalize time.
func (b *Builder) AttachChange(address string) error {
	addr, err := script.NewAddressFromString(address)
	if err != nil {
		return newErr("AttachChange", KindInputInvalid, "bad change address", err)
	}
	s, err := p2pkh.Lock(addr)
	if err != nil {
		return newErr("AttachChange", KindInputInvalid, "failed to lock change script", err)
	}
	b.Tx.AddOutput(&transaction.TransactionOutput{LockingScript: s, Change: true})
	return nil
}

// Finalize computes the fee, signs every input and returns the completed
// transaction, mirroring the Fee/Sign tail every builder in the reference
// repository repeats verbatim.
func (b *Builder) Finalize() (*transaction.Transaction, error) {
	feeModel := &fee_model.SatoshisPerKilobyte{Satoshis: b.FeeRate}
	if err := b.Tx.Fee(feeModel, transaction.ChangeDistributionEqual); err != nil {
		return nil, newErr("Finalize", KindInsufficientFunds, "failed to calculate fee", err)
	}
	if err := b.Tx.Sign(); err != nil {
		return nil, newErr("Finalize", KindUnauthorised, "failed to sign transaction", err)
	}
	return b.Tx, nil
}

// TotalPubkeyNormalInputs sums the satoshis of utxos, mirroring
// CCutils.cpp's TotalPubkeyNormalInputs helper; it does not check which
// key controls each utxo. HeirFund uses it to check that its funding
// utxos cover the plan amount.
func TotalPubkeyNormalInputs(utxos []*Utxo) uint64 {
	var total uint64
	for _, u := range utxos {
		total += u.Satoshis
	}
	return total
}

// TotalPubkeyCCInputs is TotalPubkeyNormalInputs for CC-gated inputs,
// mirroring CCutils.cpp's TotalPubkeyCCInputs.
func TotalPubkeyCCInputs(utxos []*CCUtxo) uint64 {
	var total uint64
	for _, u := range utxos {
		total += u.Satoshis
	}
	return total
}
