package cc

import (
	"context"
	"fmt"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/transaction"
)

// globalAssetsPubkey is the module's unspendable address generator: every
// bid locks coins, and every ask locks tokens, at a CC condition derived
// from this fixed key, which no one holds the private half of.
var globalAssetsPubkey = burnPubKey()

// CreateBuyOfferConfig parameterises CreateBuyOffer.
type CreateBuyOfferConfig struct {
	Utxos         []*Utxo
	PaymentPk     *ec.PrivateKey
	BidAmount     uint64
	TokenID       []byte
	NumTokens     uint64
	ChangeAddress string
	SatsPerKb     uint64
}

// CreateBuyOffer places a token bid: lock BidAmount coins at the assets
// global address, with a marker vout at Pk so CancelBuyOffer can later find
// and retire it.
func CreateBuyOffer(ctx context.Context, cfg *CreateBuyOfferConfig) (*transaction.Transaction, error) {
	if cfg.BidAmount == 0 || cfg.NumTokens == 0 {
		return nil, newErr("CreateBuyOffer", KindInputInvalid, "bid_amount and num_tokens must be positive", nil)
	}
	unitPrice := cfg.BidAmount / cfg.NumTokens

	payload, err := EncodeAsset(&AssetPayload{Func: AssetFuncBid, UnitPrice: unitPrice})
	if err != nil {
		return nil, err
	}

	b := NewBuilder(cfg.SatsPerKb)
	if err := b.AddNormalInputs(cfg.Utxos, cfg.PaymentPk); err != nil {
		return nil, err
	}
	bidCond := MakeCC1(EvalAssets, globalAssetsPubkey)
	if err := b.AttachCCOutput(bidCond, cfg.BidAmount); err != nil {
		return nil, err
	}
	if err := b.AttachCCOutput(MakeCC1(EvalAssets, cfg.PaymentPk.PubKey()), AssetsMarkerAmount); err != nil {
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

// CreateSellConfig parameterises CreateSell.
type CreateSellConfig struct {
	Utxos         []*Utxo
	TokenUtxos    []*CCUtxo
	PaymentPk     *ec.PrivateKey
	OrdPk         *ec.PrivateKey
	TokenID       []byte
	NumTokens     uint64
	AskAmount     uint64
	ChangeAddress string
	SatsPerKb     uint64
}

// CreateSell places a token ask: lock NumTokens tokens at the assets global
// tokens address.
func CreateSell(ctx context.Context, cfg *CreateSellConfig) (*transaction.Transaction, error) {
	if cfg.NumTokens == 0 || cfg.AskAmount == 0 {
		return nil, newErr("CreateSell", KindInputInvalid, "num_tokens and ask_amount must be positive", nil)
	}
	total := TotalPubkeyCCInputs(cfg.TokenUtxos)
	if total < cfg.NumTokens {
		return nil, newErr("CreateSell", KindInsufficientFunds, "token inputs below ask size", nil)
	}
	unitPrice := cfg.AskAmount / cfg.NumTokens

	payload, err := EncodeTokenTransfer(&TokenTransferPayload{
		TokenID: cfg.TokenID,
		Asset:   &AssetPayload{Func: AssetFuncAsk, UnitPrice: unitPrice},
	})
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
	if err := b.AttachCCOutput(MakeTokensCC1(EvalAssets, EvalTokensV1, globalAssetsPubkey), 1); err != nil {
		return nil, err
	}
	if err := b.AttachCCOutput(MakeCC1(EvalAssets, cfg.OrdPk.PubKey()), AssetsMarkerAmount); err != nil {
		return nil, err
	}
	if change := total - cfg.NumTokens; change > 0 {
		if err := b.AttachCCOutput(tokenCondition(false, cfg.OrdPk.PubKey()), change); err != nil {
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

// CancelOfferConfig parameterises CancelBuyOffer and CancelSell.
type CancelOfferConfig struct {
	OrderUtxo     *CCUtxo
	MarkerUtxo    *CCUtxo
	Pk            *ec.PrivateKey
	ChangeAddress string
	SatsPerKb     uint64
}

// CancelBuyOffer retires an open bid, returning its locked coins to Pk. The
// order's CC predicate is only satisfiable by Pk, which is how ownership is
// actually enforced: no separate authorization check is needed beyond a
// successful input unlock.
func CancelBuyOffer(ctx context.Context, cfg *CancelOfferConfig) (*transaction.Transaction, error) {
	return cancelOrder(cfg, AssetFuncCancelBid)
}

// CancelSell retires an open ask, returning its locked tokens to Pk.
func CancelSell(ctx context.Context, cfg *CancelOfferConfig) (*transaction.Transaction, error) {
	return cancelOrder(cfg, AssetFuncCancelAsk)
}

func cancelOrder(cfg *CancelOfferConfig, fn byte) (*transaction.Transaction, error) {
	payload, err := EncodeAsset(&AssetPayload{Func: fn})
	if err != nil {
		return nil, err
	}
	b := NewBuilder(cfg.SatsPerKb)
	if err := b.AddTokenCCInputs([]*CCUtxo{cfg.OrderUtxo, cfg.MarkerUtxo}, cfg.Pk); err != nil {
		return nil, err
	}
	if fn == AssetFuncCancelAsk {
		if err := b.AttachCCOutput(tokenCondition(false, cfg.Pk.PubKey()), cfg.OrderUtxo.Satoshis); err != nil {
			return nil, err
		}
	} else if err := b.AttachP2PKHOutputPubkey(cfg.Pk.PubKey(), cfg.OrderUtxo.Satoshis); err != nil {
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

// FillBuyOfferConfig parameterises FillBuyOffer.
type FillBuyOfferConfig struct {
	TokenUtxos      []*CCUtxo
	Pk              *ec.PrivateKey
	TokenID         []byte
	BidAmount       uint64
	OrigPk          *ec.PublicKey
	UnitPrice       uint64
	FillUnits       uint64
	PaidUnitPrice   uint64
	Royalty         uint64 // r in r/1000, 0 if not an NFT
	TokenOwnerPk    *ec.PublicKey
	ChangeAddress   string
	SatsPerKb       uint64
}

// FillBuyOffer fills (fully or partially) a token bid: the taker delivers
// FillUnits tokens and receives coins in return, computed per
// SetBidFillamounts's formula (spec §4.C6).
func FillBuyOffer(ctx context.Context, cfg *FillBuyOfferConfig) (*transaction.Transaction, error) {
	if cfg.UnitPrice == 0 {
		return nil, newErr("FillBuyOffer", KindInputInvalid, "unit_price must be positive", nil)
	}
	paidUnitPrice := cfg.PaidUnitPrice
	if paidUnitPrice == 0 {
		paidUnitPrice = cfg.UnitPrice
	}
	origUnits := cfg.BidAmount / cfg.UnitPrice
	if cfg.FillUnits == 0 || cfg.FillUnits > origUnits {
		return nil, newErr("FillBuyOffer", KindInputInvalid, "fill_units out of range", nil)
	}
	paidAmount := paidUnitPrice * cfg.FillUnits
	if paidAmount == 0 || paidAmount > cfg.BidAmount {
		return nil, newErr("FillBuyOffer", KindInputInvalid, "paid_amount out of range", nil)
	}
	remainingCoins := cfg.BidAmount - paidAmount

	royalty := clampRoyalty(cfg.Royalty)
	royaltyValue := paidAmount / NFTRoyaltyDivisor * royalty

	tokensIn := TotalPubkeyCCInputs(cfg.TokenUtxos)
	if tokensIn < cfg.FillUnits {
		return nil, newErr("FillBuyOffer", KindInsufficientFunds, "token inputs below fill_units", nil)
	}

	partial := origUnits > cfg.FillUnits
	fn := AssetFuncBid
	if partial {
		fn = AssetFuncBidPartial
	}
	payload, err := EncodeTokenTransfer(&TokenTransferPayload{
		TokenID: cfg.TokenID,
		Asset:   &AssetPayload{Func: fn, UnitPrice: cfg.UnitPrice},
	})
	if err != nil {
		return nil, err
	}

	b := NewBuilder(cfg.SatsPerKb)
	if err := b.AddTokenCCInputs(cfg.TokenUtxos, cfg.Pk); err != nil {
		return nil, err
	}

	if partial {
		if err := b.AttachCCOutput(MakeCC1(EvalAssets, globalAssetsPubkey), remainingCoins); err != nil {
			return nil, err
		}
	} else if remainingCoins > 0 {
		if err := b.AttachP2PKHOutputPubkey(cfg.OrigPk, remainingCoins); err != nil {
			return nil, err
		}
	}
	if err := b.AttachP2PKHOutputPubkey(cfg.Pk.PubKey(), paidAmount-royaltyValue); err != nil {
		return nil, err
	}
	if royalty > 0 {
		if err := b.AttachP2PKHOutputPubkey(cfg.TokenOwnerPk, royaltyValue); err != nil {
			return nil, err
		}
	}
	if err := b.AttachCCOutput(tokenCondition(royalty > 0, cfg.OrigPk), cfg.FillUnits); err != nil {
		return nil, err
	}
	if err := b.AttachCCOutput(MakeCC1(EvalAssets, cfg.OrigPk), AssetsMarkerAmount); err != nil {
		return nil, err
	}
	if tokensIn > cfg.FillUnits {
		if err := b.AttachCCOutput(tokenCondition(royalty > 0, cfg.Pk.PubKey()), tokensIn-cfg.FillUnits); err != nil {
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

// FillSellConfig parameterises FillSell.
type FillSellConfig struct {
	Utxos          []*Utxo
	Pk             *ec.PrivateKey
	TokenID        []byte
	ZeroTokenID    []byte // must be empty; non-empty rejects (swaps disabled)
	OrigAssetoshis uint64 // total tokens available on the ask
	OrigPk         *ec.PublicKey
	UnitPrice      uint64
	FillUnits      uint64
	PaidUnitPrice  uint64
	Royalty        uint64
	TokenOwnerPk   *ec.PublicKey
	ChangeAddress  string
	SatsPerKb      uint64
}

// FillSell fills (fully or partially) a token ask: the taker pays coins and
// receives tokens in return.
func FillSell(ctx context.Context, cfg *FillSellConfig) (*transaction.Transaction, error) {
	if len(cfg.ZeroTokenID) != 0 {
		return nil, newErr("FillSell", KindStateGate, "asset swaps are disabled", nil)
	}
	if cfg.UnitPrice == 0 || cfg.FillUnits == 0 || cfg.FillUnits > cfg.OrigAssetoshis {
		return nil, newErr("FillSell", KindInputInvalid, "fill_units out of range", nil)
	}
	paidUnitPrice := cfg.PaidUnitPrice
	if paidUnitPrice == 0 {
		paidUnitPrice = cfg.UnitPrice
	}
	paidValue := paidUnitPrice * cfg.FillUnits
	royalty := clampRoyalty(cfg.Royalty)
	royaltyValue := paidValue / NFTRoyaltyDivisor * royalty

	partial := cfg.OrigAssetoshis > cfg.FillUnits
	fn := AssetFuncAsk
	if partial {
		fn = AssetFuncAskPartial
	}
	payload, err := EncodeAsset(&AssetPayload{Func: fn, UnitPrice: cfg.UnitPrice})
	if err != nil {
		return nil, err
	}

	b := NewBuilder(cfg.SatsPerKb)
	if err := b.AddNormalInputs(cfg.Utxos, cfg.Pk); err != nil {
		return nil, err
	}

	if partial {
		if err := b.AttachCCOutput(MakeTokensCC1(EvalAssets, EvalTokensV1, globalAssetsPubkey), cfg.OrigAssetoshis-cfg.FillUnits); err != nil {
			return nil, err
		}
	}
	if err := b.AttachP2PKHOutputPubkey(cfg.OrigPk, paidValue-royaltyValue); err != nil {
		return nil, err
	}
	if royalty > 0 {
		if err := b.AttachP2PKHOutputPubkey(cfg.TokenOwnerPk, royaltyValue); err != nil {
			return nil, err
		}
	}
	if err := b.AttachCCOutput(tokenCondition(royalty > 0, cfg.Pk.PubKey()), cfg.FillUnits); err != nil {
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

// AssetOrder is one decoded row of the order-book listing.
type AssetOrder struct {
	FuncID   byte
	TxID     string
	Vout     uint32
	Amount   uint64
	TokenID  []byte
	Price    uint64
}

// AssetOrders lists the non-zero unspent EvalAssets outputs at the assets
// global address. It does not filter: mine is not used, tokenID is copied
// onto every row as given rather than decoded from each order, and Price
// is left zero.
func AssetOrders(ctx context.Context, reader UtxoIndexReader, tokenID []byte, mine *ec.PublicKey) ([]*AssetOrder, error) {
	addr, err := MakeCC1(EvalAssets, globalAssetsPubkey).CCAddress(true)
	if err != nil {
		return nil, err
	}
	utxos, err := reader.CCUtxos(ctx, addr, EvalAssets, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*AssetOrder, 0, len(utxos))
	for _, u := range utxos {
		if u.Satoshis == 0 {
			continue
		}
		out = append(out, &AssetOrder{FuncID: u.FuncID, TxID: u.TxID, Vout: u.Vout, Amount: u.Satoshis, TokenID: tokenID})
	}
	return out, nil
}

// CreateSwap is a deliberately disabled stub: the reference system prints
// "asset swaps disabled" and returns without building a transaction.
func CreateSwap(context.Context) (*transaction.Transaction, error) {
	return nil, newErr("CreateSwap", KindStateGate, "asset swaps are disabled", nil)
}

func clampRoyalty(r uint64) uint64 {
	if r > MaxNFTRoyalty {
		return MaxNFTRoyalty
	}
	return r
}

// decodeAssetLeg recovers the order-book leg from a transaction's own
// op-return, which is written in one of two shapes depending on which
// builder produced it: CreateBuyOffer/CancelBuyOffer/CancelSell/FillSell
// write a raw AssetPayload (EncodeAsset), while CreateSell/FillBuyOffer
// nest it inside a TokenTransferPayload (EncodeTokenTransfer). A raw
// AssetPayload's first byte is always its Func, none of which collide
// with PayloadVersion1, so that single byte disambiguates the two shapes
// without a decode-and-retry.
func decodeAssetLeg(payload []byte) (leg *AssetPayload, tokenID []byte, err error) {
	if len(payload) == 0 {
		return nil, nil, newErr("decodeAssetLeg", KindDecodeError, "empty payload", nil)
	}
	if payload[0] == PayloadVersion1 {
		wrapped, err := DecodeTokenTransfer(payload)
		if err != nil {
			return nil, nil, err
		}
		if wrapped.Asset == nil {
			return nil, nil, newErr("decodeAssetLeg", KindDecodeError, "token transfer carries no nested asset leg", nil)
		}
		return wrapped.Asset, wrapped.TokenID, nil
	}
	asset, err := DecodeAsset(payload)
	if err != nil {
		return nil, nil, err
	}
	return asset, nil, nil
}

// NewAssetPredicate builds the tx-driven C6 validator for EvalAssets and
// EvalAssetsV2. Value conservation across any nested token leg is the
// token predicate's job (delegated to implicitly: any dual-eval CC vout
// this tx produces is also checked under EvalTokensV1/V2 by the
// dispatcher). This predicate enforces the fill-specific rules layered on
// top of that conservation: the spent order's unit_price carries forward
// unchanged, the opret funcid stays on the same side (bid/ask) as the
// order it fills, and the payout covers at least one whole fill unit at
// that price.
//
// Reconciling the exact fill_units and royalty split against specific
// vout amounts is not attempted: a fill's delivered-token output and any
// token change output it also produces are both plain dual-eval CC
// conditions, indistinguishable by locking-script shape alone, and
// royalty is a caller-supplied fill-time parameter: the builders leave
// AssetPayload.Royalty at zero, so no opret carries a royalty to check
// the split against. See DESIGN.md.
func NewAssetPredicate(reader UtxoIndexReader) Predicate {
	return func(tx *transaction.Transaction, vin int) (bool, string) {
		ctx := context.Background()

		payload, err := extractOpReturnPayloadFromTx(tx)
		if err != nil {
			return false, "asset predicate: " + err.Error()
		}
		leg, _, err := decodeAssetLeg(payload)
		if err != nil {
			return false, "asset predicate: " + err.Error()
		}

		switch leg.Func {
		case AssetFuncCancelBid, AssetFuncCancelAsk:
			return true, ""
		case AssetFuncBid, AssetFuncBidPartial, AssetFuncAsk, AssetFuncAskPartial:
			origUnitPrice, origFunc, isFill := resolveOrderUnitPrice(ctx, reader, tx)
			if !isFill {
				return true, "" // opening a fresh order: no predecessor unit_price to preserve yet
			}
			return validateAssetFill(leg, origUnitPrice, origFunc, tx)
		default:
			return false, fmt.Sprintf("asset predicate: unrecognised funcid %q", leg.Func)
		}
	}
}

// resolveOrderUnitPrice looks up the unit_price and funcid carried by the
// order a fill's CC input spends, by re-decoding that predecessor
// transaction's own opret -- the single-hop form of "unit_price preserved
// from predecessor", since a fill's own payload does not repeat the
// order's origin data. ok is false when tx spends no assets-eval input at
// all, the signal that this is a fresh order rather than a fill.
func resolveOrderUnitPrice(ctx context.Context, reader UtxoIndexReader, tx *transaction.Transaction) (unitPrice uint64, funcID byte, ok bool) {
	for vin, in := range tx.Inputs {
		prev, err := prevOutput(ctx, reader, tx, vin)
		if err != nil {
			continue
		}
		eval, _, shaped := decodeConditionScript(prev.LockingScript)
		if !shaped || (eval != EvalAssets && eval != EvalAssetsV2) {
			continue
		}
		if in.SourceTXID == nil {
			continue
		}
		info, err := reader.GetTx(ctx, in.SourceTXID.String())
		if err != nil {
			continue
		}
		originPayload, err := extractOpReturnPayload(info.RawHex)
		if err != nil {
			continue
		}
		leg, _, err := decodeAssetLeg(originPayload)
		if err != nil {
			continue
		}
		return leg.UnitPrice, leg.Func, true
	}
	return 0, 0, false
}

func validateAssetFill(leg *AssetPayload, origUnitPrice uint64, origFunc byte, tx *transaction.Transaction) (bool, string) {
	if leg.UnitPrice != origUnitPrice {
		return false, "asset predicate: fill changes the order's unit_price"
	}
	if !fillFuncMatchesOrder(leg.Func, origFunc) {
		return false, "asset predicate: opret funcid does not match the order's side"
	}
	if leg.UnitPrice == 0 {
		return false, "asset predicate: unit_price must be positive"
	}
	if sumPlainPayoutAmounts(tx)/leg.UnitPrice == 0 {
		return false, "asset predicate: paid amount does not cover a whole fill unit"
	}
	return true, ""
}

func fillFuncMatchesOrder(legFunc, origFunc byte) bool {
	bidSide := func(f byte) bool { return f == AssetFuncBid || f == AssetFuncBidPartial }
	askSide := func(f byte) bool { return f == AssetFuncAsk || f == AssetFuncAskPartial }
	return (bidSide(legFunc) && bidSide(origFunc)) || (askSide(legFunc) && askSide(origFunc))
}

// sumPlainPayoutAmounts sums every output that isn't itself a crypto-
// condition, the actual coin payout(s) a fill produces (split across the
// order's owner and, when the token is an NFT, a royalty recipient).
func sumPlainPayoutAmounts(tx *transaction.Transaction) uint64 {
	var total uint64
	for _, out := range tx.Outputs {
		if _, _, ok := decodeConditionScript(out.LockingScript); ok {
			continue
		}
		total += out.Satoshis
	}
	return total
}
