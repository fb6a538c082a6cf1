package cc

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bsv-blockchain/go-sdk/transaction"
)

// extractOpReturnPayload finds the first OP_FALSE OP_RETURN output in a raw
// transaction hex and returns its pushed data, reversing AttachOpReturn's
// "OP_FALSE OP_RETURN <hex>" ASM construction.
func extractOpReturnPayload(rawHex string) ([]byte, error) {
	tx, err := transaction.NewTransactionFromHex(rawHex)
	if err != nil {
		return nil, newErr("extractOpReturnPayload", KindDecodeError, "failed to parse raw transaction", err)
	}
	return extractOpReturnPayloadFromTx(tx)
}

// extractOpReturnPayloadFromTx is extractOpReturnPayload for a transaction
// already parsed into memory, the shape a Predicate receives directly
// instead of raw hex.
func extractOpReturnPayloadFromTx(tx *transaction.Transaction) ([]byte, error) {
	for _, out := range tx.Outputs {
		asm := out.LockingScript.ToASM()
		fields := strings.Fields(asm)
		if len(fields) < 3 || fields[0] != "OP_FALSE" || fields[1] != "OP_RETURN" {
			continue
		}
		data, err := hex.DecodeString(fields[2])
		if err != nil {
			return nil, newErr("extractOpReturnPayloadFromTx", KindDecodeError, "malformed op_return pushdata", err)
		}
		return data, nil
	}
	return nil, newErr("extractOpReturnPayloadFromTx", KindNotFound, "no op_return output found", nil)
}

// TokenCreatePayload is the decoded form of a token 'c'/'C' op-return.
type TokenCreatePayload struct {
	Version     byte
	Func        byte // TokenFuncCreateV1 (fungible) or TokenFuncCreateV2 (NFT)
	Name        string
	Description string
	NFTEval     byte // 0 unless this create mints an NFT (dual-eval, V2 only)
}

// TokenTransferPayload is the decoded form of a token 't'/'T' op-return. It
// optionally carries a nested asset payload when the transfer is itself the
// funding leg of a bid/ask/fill (spec.md §4.C6's payload nesting); Func
// records which of the two shapes was written, so a validator can tell
// whether a nested asset leg is expected without first decoding it.
type TokenTransferPayload struct {
	Version byte
	Func    byte // TokenFuncTransferV1 (plain) or TokenFuncTransferV2 (carries Asset)
	TokenID []byte // 32-byte origin txid identifying the token class
	Asset   *AssetPayload
}

// AssetPayload is the decoded form of the nested order-book op-return data
// carried inside a token transfer's payload (see CCassetstx_impl.h).
type AssetPayload struct {
	Func       byte
	UnitPrice  uint64
	OrigTxID   []byte // the order's opening tx, empty for a brand-new order
	Royalty    uint64 // r in r/1000, 0 unless the underlying token is an NFT
}

// HeirPayload is the decoded form of a heir 'F'/'A'/'C' op-return.
type HeirPayload struct {
	Func            byte
	Name            string
	Memo            string // only meaningful on 'F'
	OwnerPk         []byte
	HeirPk          []byte
	InactivitySecs  int64  // wire width is a fixed 8-byte LE field, seconds
	FundingTxID     []byte // byte-reversed on the wire, natural order in memory
	HasHeirSpending bool   // latched; only meaningful on 'A'/'C'
}

// EncodeTokenCreate builds the payload bytes for a token-creation op-return.
// Layout: version | func | nft-eval | len(name) name | len(desc) desc.
func EncodeTokenCreate(p *TokenCreatePayload) ([]byte, error) {
	if len(p.Name) == 0 || len(p.Name) > MaxTokenNameLen {
		return nil, newErr("EncodeTokenCreate", KindInputInvalid, "name length out of range", nil)
	}
	if len(p.Description) > MaxTokenDescriptionLen {
		return nil, newErr("EncodeTokenCreate", KindInputInvalid, "description too long", nil)
	}
	var buf bytes.Buffer
	buf.WriteByte(PayloadVersion1)
	fn := TokenFuncCreateV1
	if p.NFTEval != 0 {
		fn = TokenFuncCreateV2
	}
	buf.WriteByte(fn)
	buf.WriteByte(p.NFTEval)
	writeVarSlice(&buf, []byte(p.Name))
	writeVarSlice(&buf, []byte(p.Description))
	return buf.Bytes(), nil
}

// DecodeTokenCreate parses a token-creation op-return payload.
func DecodeTokenCreate(b []byte) (*TokenCreatePayload, error) {
	r := bytes.NewReader(b)
	version, err := r.ReadByte()
	if err != nil {
		return nil, newErr("DecodeTokenCreate", KindDecodeError, "missing version byte", err)
	}
	fn, err := r.ReadByte()
	if err != nil {
		return nil, newErr("DecodeTokenCreate", KindDecodeError, "missing func byte", err)
	}
	if fn != TokenFuncCreateV1 && fn != TokenFuncCreateV2 {
		return nil, newErr("DecodeTokenCreate", KindDecodeError, fmt.Sprintf("unrecognised token create funcid %q", fn), nil)
	}
	nftEval, err := r.ReadByte()
	if err != nil {
		return nil, newErr("DecodeTokenCreate", KindDecodeError, "missing nft-eval byte", err)
	}
	name, err := readVarSlice(r)
	if err != nil {
		return nil, newErr("DecodeTokenCreate", KindDecodeError, "bad name field", err)
	}
	desc, err := readVarSlice(r)
	if err != nil {
		return nil, newErr("DecodeTokenCreate", KindDecodeError, "bad description field", err)
	}
	return &TokenCreatePayload{Version: version, Func: fn, NFTEval: nftEval, Name: string(name), Description: string(desc)}, nil
}

// EncodeTokenTransfer builds the payload bytes for a token-transfer
// op-return, optionally nesting an nested asset payload.
func EncodeTokenTransfer(p *TokenTransferPayload) ([]byte, error) {
	if len(p.TokenID) != 32 {
		return nil, newErr("EncodeTokenTransfer", KindInputInvalid, "tokenid must be 32 bytes", nil)
	}
	var buf bytes.Buffer
	buf.WriteByte(PayloadVersion1)
	fn := TokenFuncTransferV1
	if p.Asset != nil {
		fn = TokenFuncTransferV2
	}
	buf.WriteByte(fn)
	buf.Write(p.TokenID)
	if p.Asset != nil {
		nested, err := EncodeAsset(p.Asset)
		if err != nil {
			return nil, newErr("EncodeTokenTransfer", KindInputInvalid, "bad nested asset payload", err)
		}
		writeVarSlice(&buf, nested)
	}
	return buf.Bytes(), nil
}

// DecodeTokenTransfer parses a token-transfer op-return payload.
func DecodeTokenTransfer(b []byte) (*TokenTransferPayload, error) {
	r := bytes.NewReader(b)
	version, err := r.ReadByte()
	if err != nil {
		return nil, newErr("DecodeTokenTransfer", KindDecodeError, "missing version byte", err)
	}
	fn, err := r.ReadByte()
	if err != nil {
		return nil, newErr("DecodeTokenTransfer", KindDecodeError, "missing func byte", err)
	}
	if fn != TokenFuncTransferV1 && fn != TokenFuncTransferV2 {
		return nil, newErr("DecodeTokenTransfer", KindDecodeError, fmt.Sprintf("unrecognised token transfer funcid %q", fn), nil)
	}
	tokenID := make([]byte, 32)
	if _, err := r.Read(tokenID); err != nil {
		return nil, newErr("DecodeTokenTransfer", KindDecodeError, "short tokenid", err)
	}
	out := &TokenTransferPayload{Version: version, Func: fn, TokenID: tokenID}
	if fn == TokenFuncTransferV2 {
		nested, err := readVarSlice(r)
		if err != nil {
			return nil, newErr("DecodeTokenTransfer", KindDecodeError, "bad nested asset field", err)
		}
		asset, err := DecodeAsset(nested)
		if err != nil {
			return nil, newErr("DecodeTokenTransfer", KindDecodeError, "failed to decode nested asset", err)
		}
		out.Asset = asset
	}
	return out, nil
}

// EncodeAsset builds the nested order-book payload bytes.
func EncodeAsset(p *AssetPayload) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(p.Func)
	var amt [8]byte
	binary.LittleEndian.PutUint64(amt[:], p.UnitPrice)
	buf.Write(amt[:])
	writeVarSlice(&buf, p.OrigTxID)
	var roy [8]byte
	binary.LittleEndian.PutUint64(roy[:], p.Royalty)
	buf.Write(roy[:])
	return buf.Bytes(), nil
}

// DecodeAsset parses the nested order-book payload bytes.
func DecodeAsset(b []byte) (*AssetPayload, error) {
	r := bytes.NewReader(b)
	fn, err := r.ReadByte()
	if err != nil {
		return nil, newErr("DecodeAsset", KindDecodeError, "missing func byte", err)
	}
	var amt [8]byte
	if _, err := r.Read(amt[:]); err != nil {
		return nil, newErr("DecodeAsset", KindDecodeError, "short unit price", err)
	}
	origTxID, err := readVarSlice(r)
	if err != nil {
		return nil, newErr("DecodeAsset", KindDecodeError, "bad origtxid field", err)
	}
	var roy [8]byte
	if _, err := r.Read(roy[:]); err != nil {
		return nil, newErr("DecodeAsset", KindDecodeError, "short royalty", err)
	}
	return &AssetPayload{
		Func:      fn,
		UnitPrice: binary.LittleEndian.Uint64(amt[:]),
		OrigTxID:  origTxID,
		Royalty:   binary.LittleEndian.Uint64(roy[:]),
	}, nil
}

// EncodeHeir builds the payload bytes for a heir 'F'/'A'/'C' op-return. The
// funding txid is stored byte-reversed on the wire, matching heir.cpp's own
// little-endian/display-order inversion of txid fields.
func EncodeHeir(p *HeirPayload) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(PayloadVersion1)
	buf.WriteByte(p.Func)
	writeVarSlice(&buf, []byte(p.Name))
	writeVarSlice(&buf, p.OwnerPk)
	writeVarSlice(&buf, p.HeirPk)
	var secs [8]byte
	binary.LittleEndian.PutUint64(secs[:], uint64(p.InactivitySecs))
	buf.Write(secs[:])
	fundingTxID := make([]byte, 32)
	copy(fundingTxID, p.FundingTxID)
	buf.Write(reverseBytes(fundingTxID))
	if p.HasHeirSpending {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	if p.Func == HeirFuncFund {
		writeVarSlice(&buf, []byte(p.Memo))
	}
	return buf.Bytes(), nil
}

// DecodeHeir parses a heir op-return payload, choosing the layout by
// txTimestamp: at or after May2020NNElectionHardfork the
// has-heir-spending-began byte after the fundingtxid is required; before
// it, that byte is read when present and taken as false otherwise. The
// field order is the same in both cases.
func DecodeHeir(b []byte, txTimestamp int64) (*HeirPayload, error) {
	r := bytes.NewReader(b)
	version, err := r.ReadByte()
	if err != nil {
		return nil, newErr("DecodeHeir", KindDecodeError, "missing version byte", err)
	}
	fn, err := r.ReadByte()
	if err != nil {
		return nil, newErr("DecodeHeir", KindDecodeError, "missing func byte", err)
	}
	name, err := readVarSlice(r)
	if err != nil {
		return nil, newErr("DecodeHeir", KindDecodeError, "bad name field", err)
	}
	ownerPk, err := readVarSlice(r)
	if err != nil {
		return nil, newErr("DecodeHeir", KindDecodeError, "bad owner pubkey field", err)
	}
	heirPk, err := readVarSlice(r)
	if err != nil {
		return nil, newErr("DecodeHeir", KindDecodeError, "bad heir pubkey field", err)
	}
	var secs [8]byte
	if _, err := r.Read(secs[:]); err != nil {
		return nil, newErr("DecodeHeir", KindDecodeError, "short inactivity field", err)
	}
	fundingTxID := make([]byte, 32)
	if _, err := r.Read(fundingTxID); err != nil {
		return nil, newErr("DecodeHeir", KindDecodeError, "short fundingtxid", err)
	}
	fundingTxID = reverseBytes(fundingTxID)

	hasSpending := false
	if txTimestamp >= May2020NNElectionHardfork {
		flag, err := r.ReadByte()
		if err != nil {
			return nil, newErr("DecodeHeir", KindDecodeError, "missing heir-spending flag (v1 layout required post-hardfork)", err)
		}
		hasSpending = flag == 1
	} else if flag, err := r.ReadByte(); err == nil {
		// v0 transactions predating the hardfork may still carry the
		// trailing byte if re-broadcast by v1-aware software; honour it
		// when present instead of assuming it is absent.
		hasSpending = flag == 1
	}

	_ = version
	var memo string
	if fn == HeirFuncFund {
		if m, err := readVarSlice(r); err == nil {
			memo = string(m)
		}
	}
	return &HeirPayload{
		Func:            fn,
		Name:            string(name),
		Memo:            memo,
		OwnerPk:         ownerPk,
		HeirPk:          heirPk,
		InactivitySecs:  int64(binary.LittleEndian.Uint64(secs[:])),
		FundingTxID:     fundingTxID,
		HasHeirSpending: hasSpending,
	}, nil
}

func writeVarSlice(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func readVarSlice(r *bytes.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := r.Read(l[:]); err != nil {
		return nil, fmt.Errorf("short length prefix: %w", err)
	}
	n := binary.LittleEndian.Uint32(l[:])
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, fmt.Errorf("short data, want %d bytes: %w", n, err)
		}
	}
	return out, nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
