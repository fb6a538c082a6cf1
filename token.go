package cc

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/transaction"
)

// CreateTokenConfig parameterises Create, following the reference
// repository's one-Config-struct-per-operation convention.
type CreateTokenConfig struct {
	Utxos         []*Utxo
	PaymentPk     *ec.PrivateKey
	Name          string
	Description   string
	Supply        uint64
	IsNFT         bool
	ChangeAddress string
	SatsPerKb     uint64
}

// Create issues a new token class. A fungible token mints its whole supply
// into a single 1-of-1 condition owned by PaymentPk; an NFT mints a supply
// of 1 under a dual-eval (EvalTokensV2, with EvalAssets as the NFT
// eval-code) condition instead, and additionally emits a global marker output used
// later to police invariant I2 (marker spend implies NFT burn).
func Create(ctx context.Context, cfg *CreateTokenConfig) (*transaction.Transaction, error) {
	if cfg.Supply == 0 {
		return nil, newErr("Create", KindInputInvalid, "supply must be positive", nil)
	}
	if cfg.IsNFT && cfg.Supply != 1 {
		return nil, newErr("Create", KindInputInvalid, "nft supply must be exactly 1", nil)
	}

	payload, err := EncodeTokenCreate(&TokenCreatePayload{
		Name:        cfg.Name,
		Description: cfg.Description,
		NFTEval:     nftEvalOf(cfg.IsNFT),
	})
	if err != nil {
		return nil, err
	}

	b := NewBuilder(cfg.SatsPerKb)
	if err := b.AddNormalInputs(cfg.Utxos, cfg.PaymentPk); err != nil {
		return nil, err
	}

	cond := tokenCondition(cfg.IsNFT, cfg.PaymentPk.PubKey())
	if err := b.AttachCCOutput(cond, cfg.Supply); err != nil {
		return nil, err
	}
	if cfg.IsNFT {
		marker := MakeTokensCC1(EvalTokensV2, 0, burnPubKey())
		if err := b.AttachCCOutput(marker, 1); err != nil {
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

// TransferTokenConfig parameterises Transfer.
type TransferTokenConfig struct {
	Utxos         []*Utxo
	TokenUtxos    []*CCUtxo
	PaymentPk     *ec.PrivateKey
	OrdPk         *ec.PrivateKey
	TokenID       []byte
	TokenIsNFT    bool
	Amount        uint64
	DestPubkey    *ec.PublicKey
	ChangeAddress string
	SatsPerKb     uint64
	// Asset optionally nests an order-book payload in the transfer's
	// op-return (the payload is then encoded as TokenFuncTransferV2).
	Asset *AssetPayload
}

// Transfer moves Amount units of a token between conditions, enforcing
// invariant I1 (token-in equals token-out across the tx) locally before
// ever constructing the transaction: the caller-supplied TokenUtxos must
// already sum to at least Amount, and any surplus is returned to OrdPk as
// token change, keeping every token-carrying vout's total equal to every
// token-carrying vin's total.
func Transfer(ctx context.Context, cfg *TransferTokenConfig) (*transaction.Transaction, error) {
	if cfg.Amount == 0 {
		return nil, newErr("Transfer", KindInputInvalid, "amount must be positive", nil)
	}
	total := TotalPubkeyCCInputs(cfg.TokenUtxos)
	if total < cfg.Amount {
		return nil, newErr("Transfer", KindInsufficientFunds, "token inputs below transfer amount", nil)
	}

	payload, err := EncodeTokenTransfer(&TokenTransferPayload{TokenID: cfg.TokenID, Asset: cfg.Asset})
	if err != nil {
		return nil, err
	}

	b := NewBuilder(cfg.SatsPerKb)
	if err := b.AddNormalInputs(cfg.Utxos, cfg.PaymentPk); err != nil {
		return nil, err
	}
	if err := b.AddTokenCCInputs(cfg.TokenUtxos, cfg.OrdPk); err != nil {
		return nil, err
	}

	destCond := tokenCondition(cfg.TokenIsNFT, cfg.DestPubkey)
	if err := b.AttachCCOutput(destCond, cfg.Amount); err != nil {
		return nil, err
	}
	if change := total - cfg.Amount; change > 0 {
		changeCond := tokenCondition(cfg.TokenIsNFT, cfg.OrdPk.PubKey())
		if err := b.AttachCCOutput(changeCond, change); err != nil {
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

// Balance sums the CC outputs gated by eval at address; it does not
// filter by tokenid.
func Balance(ctx context.Context, reader UtxoIndexReader, address string, eval byte) (uint64, error) {
	utxos, err := reader.CCUtxos(ctx, address, eval, 0)
	if err != nil {
		return 0, err
	}
	return TotalPubkeyCCInputs(utxos), nil
}

// Info decodes a token's creation payload from its origin transaction's raw
// hex op-return, for display/lookup purposes.
func Info(ctx context.Context, reader UtxoIndexReader, tokenOriginTxID string) (*TokenCreatePayload, error) {
	txInfo, err := reader.GetTx(ctx, tokenOriginTxID)
	if err != nil {
		return nil, err
	}
	payload, err := extractOpReturnPayload(txInfo.RawHex)
	if err != nil {
		return nil, err
	}
	return DecodeTokenCreate(payload)
}

// Validate checks invariant I1 across a decoded transfer: the sum of the
// token-in amounts must equal the sum of the token-out amounts, given
// the per-input amounts supplied by the caller (the validator resolves
// those from each input's originating vout, not from the spending tx
// itself, mirroring CCtokens_validate's "walk vins back to their funding
// vouts" design).
func Validate(tokenInAmounts, tokenOutAmounts []uint64) error {
	var in, out uint64
	for _, a := range tokenInAmounts {
		in += a
	}
	for _, a := range tokenOutAmounts {
		out += a
	}
	if in != out {
		return newErr("Validate", KindInvariantViolation, "token conservation violated: in != out", nil)
	}
	return nil
}

// ValidateMarkerBurn enforces invariant I2: an NFT's global marker utxo may
// only be spent by a transaction that also spends (burns) the NFT's sole
// token output to the canonical burn pubkey.
func ValidateMarkerBurn(markerSpent bool, nftBurned bool) error {
	if markerSpent && !nftBurned {
		return newErr("ValidateMarkerBurn", KindInvariantViolation, "marker spent without a matching nft burn", nil)
	}
	return nil
}

func nftEvalOf(isNFT bool) byte {
	if isNFT {
		return EvalAssets
	}
	return 0
}

func tokenCondition(isNFT bool, pk *ec.PublicKey) *Condition {
	if isNFT {
		return MakeTokensCC1(EvalTokensV2, EvalAssets, pk)
	}
	return MakeCC1(EvalTokensV1, pk)
}

// NewTokenPredicate builds the tx-driven C5 validator for EvalTokensV1 and
// EvalTokensV2. It decodes the spending transaction's own op-return,
// resolves every input's originating vout through reader, and reconstructs
// the per-tx token-in/token-out totals Validate and ValidateMarkerBurn
// need instead of requiring a caller to have derived them already. It
// never recurses into the dispatcher for an input's predecessor tx, only
// reads that predecessor's locking script directly.
func NewTokenPredicate(reader UtxoIndexReader) Predicate {
	return func(tx *transaction.Transaction, vin int) (bool, string) {
		ctx := context.Background()

		payload, err := extractOpReturnPayloadFromTx(tx)
		if err != nil {
			return false, "token predicate: " + err.Error()
		}
		if len(payload) < 2 {
			return false, "token predicate: payload too short to carry a funcid"
		}

		switch payload[1] {
		case TokenFuncCreateV1, TokenFuncCreateV2:
			return validateTokenCreate(ctx, reader, tx)
		case TokenFuncTransferV1, TokenFuncTransferV2:
			return validateTokenTransfer(ctx, reader, tx, payload)
		default:
			return false, fmt.Sprintf("token predicate: unrecognised funcid %q", payload[1])
		}
	}
}

// prevOutput resolves the output spent by tx.Inputs[vin] by fetching its
// source transaction through reader, the tx-driven replacement for a
// caller pre-supplying each input's amount and eval-code by hand.
func prevOutput(ctx context.Context, reader UtxoIndexReader, tx *transaction.Transaction, vin int) (*transaction.TransactionOutput, error) {
	if vin < 0 || vin >= len(tx.Inputs) {
		return nil, newErr("prevOutput", KindInputInvalid, "vin out of range", nil)
	}
	in := tx.Inputs[vin]
	if in.SourceTXID == nil {
		return nil, newErr("prevOutput", KindInputInvalid, "input carries no source txid", nil)
	}
	return prevOutputAt(ctx, reader, in.SourceTXID.String(), in.SourceTxOutIndex)
}

// prevOutputAt fetches and parses the transaction at txid and returns its
// output at index vout, the shared primitive prevOutput and the heir/asset
// predicates all resolve an input's predecessor vout through.
func prevOutputAt(ctx context.Context, reader UtxoIndexReader, txid string, vout uint32) (*transaction.TransactionOutput, error) {
	info, err := reader.GetTx(ctx, txid)
	if err != nil {
		return nil, err
	}
	prevTx, err := transaction.NewTransactionFromHex(info.RawHex)
	if err != nil {
		return nil, newErr("prevOutputAt", KindDecodeError, "failed to parse source transaction", err)
	}
	if int(vout) >= len(prevTx.Outputs) {
		return nil, newErr("prevOutputAt", KindDecodeError, "source output index out of range", nil)
	}
	return prevTx.Outputs[vout], nil
}

// validateTokenCreate enforces C5's create-variant rule: a brand-new token
// class's tokenid is this transaction's own hash, so none of its inputs
// may already spend a token-eval condition for any class.
func validateTokenCreate(ctx context.Context, reader UtxoIndexReader, tx *transaction.Transaction) (bool, string) {
	for vin := range tx.Inputs {
		prev, err := prevOutput(ctx, reader, tx, vin)
		if err != nil {
			continue // an unresolved predecessor cannot be shown to be a token vin either way
		}
		eval, _, ok := decodeConditionScript(prev.LockingScript)
		if !ok {
			continue
		}
		if eval == EvalTokensV1 || eval == EvalTokensV2 {
			return false, "token predicate: create spends an existing token-eval input"
		}
	}
	return true, ""
}

// validateTokenTransfer walks tx's inputs and outputs, reconstructing the
// token-in/token-out amounts per invariant I1, and the marker-spend/
// nft-burn pair per invariant I2, then delegates the actual arithmetic to
// Validate and ValidateMarkerBurn.
func validateTokenTransfer(ctx context.Context, reader UtxoIndexReader, tx *transaction.Transaction, payload []byte) (bool, string) {
	decoded, err := DecodeTokenTransfer(payload)
	if err != nil {
		return false, "token predicate: " + err.Error()
	}

	var tokensIn, tokensOut uint64
	var markerSpent, nftBurned bool
	burn := burnPubKey().Compressed()

	for vin := range tx.Inputs {
		prev, err := prevOutput(ctx, reader, tx, vin)
		if err != nil {
			continue
		}
		eval, eval2, ok := decodeConditionScript(prev.LockingScript)
		if !ok || (eval != EvalTokensV1 && eval != EvalTokensV2) {
			continue
		}
		tokensIn += prev.Satoshis
		if eval == EvalTokensV2 && eval2 == 0 {
			markerSpent = true
		}
	}

	for _, out := range tx.Outputs {
		eval, eval2, ok := decodeConditionScript(out.LockingScript)
		if !ok || (eval != EvalTokensV1 && eval != EvalTokensV2) {
			continue
		}
		tokensOut += out.Satoshis
		if eval2 == EvalAssets {
			if pks := decodeConditionPubkeys(out.LockingScript); len(pks) == 1 && bytes.Equal(pks[0], burn) {
				nftBurned = true
			}
		}
	}

	if err := Validate([]uint64{tokensIn}, []uint64{tokensOut}); err != nil {
		return false, "token predicate: " + err.Error()
	}
	if err := ValidateMarkerBurn(markerSpent, nftBurned); err != nil {
		return false, "token predicate: " + err.Error()
	}
	return resolveTokenLineage(ctx, reader, decoded.TokenID)
}

// resolveTokenLineage makes a best-effort check that the opret's tokenid
// names a real token-creation transaction, the one-hop piece of C5's "opret
// must reference the same tokenid the CC vouts encode" rule: walking every
// intermediate transfer back to its origin is out of scope for a single
// Predicate invocation, so only the terminal claim is verified here.
func resolveTokenLineage(ctx context.Context, reader UtxoIndexReader, tokenID []byte) (bool, string) {
	if len(tokenID) != 32 {
		return false, "token predicate: tokenid must be 32 bytes"
	}
	originInfo, err := reader.GetTx(ctx, hex.EncodeToString(tokenID))
	if err != nil {
		return false, "token predicate: tokenid does not resolve to a known transaction"
	}
	originPayload, err := extractOpReturnPayload(originInfo.RawHex)
	if err != nil {
		return false, "token predicate: tokenid's origin tx carries no op_return"
	}
	if len(originPayload) < 2 || (originPayload[1] != TokenFuncCreateV1 && originPayload[1] != TokenFuncCreateV2) {
		return false, "token predicate: tokenid does not name a token-creation transaction"
	}
	return true, ""
}

func burnPubKey() *ec.PublicKey {
	raw, err := hex.DecodeString(burnPubKeyHex)
	if err != nil {
		// burnPubKeyHex is a compile-time constant; a parse failure here
		// is a programmer error, not a runtime condition.
		panic(err)
	}
	pk, err := ec.PublicKeyFromBytes(raw)
	if err != nil {
		panic(err)
	}
	return pk
}
