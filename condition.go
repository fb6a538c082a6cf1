package cc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/script"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // address hashing, matches go-bk's own dependency graph
)

// Condition is the in-memory representation of a crypto-condition output:
// the eval-code(s) it is gated by, the pubkey(s) that can satisfy it, and
// whether it has been anonymised (mixed, V2-token style).
type Condition struct {
	Eval    byte
	Eval2   byte // 0 if this is not a dual-eval (NFT) condition
	Pubkeys []*ec.PublicKey
	Mixed   bool
}

// evalTag returns the pushed-data bytes identifying this condition's
// eval-code(s), one byte for a single-eval condition, two for dual-eval.
func (c *Condition) evalTag() []byte {
	if c.Eval2 != 0 {
		return []byte{c.Eval, c.Eval2}
	}
	return []byte{c.Eval}
}

// MakeCC1 builds a 1-of-1 crypto-condition: satisfied by a signature from
// pubkey, gated by eval. Mirrors CCutils.cpp's MakeCCcond1/MakeCC1vout.
func MakeCC1(eval byte, pubkey *ec.PublicKey) *Condition {
	return &Condition{Eval: eval, Pubkeys: []*ec.PublicKey{pubkey}}
}

// MakeCC1of2 builds a crypto-condition satisfied by a signature from
// either pk1 or pk2. Mirrors CCutils.cpp's MakeCCcond1of2/MakeCC1of2vout.
func MakeCC1of2(eval byte, pk1, pk2 *ec.PublicKey) *Condition {
	return &Condition{Eval: eval, Pubkeys: []*ec.PublicKey{pk1, pk2}}
}

// MakeTokensCC1 builds a dual-eval 1-of-1 condition: both the token
// eval-code and an NFT-class eval-code must independently be satisfied
// by the spend. eval2 may be 0 to fall back to a plain single-eval
// condition, matching the CheckTokensvout single/dual-eval distinction.
func MakeTokensCC1(eval, eval2 byte, pubkey *ec.PublicKey) *Condition {
	return &Condition{Eval: eval, Eval2: eval2, Pubkeys: []*ec.PublicKey{pubkey}}
}

// MakeTokensCC1of2 is the dual-eval form of MakeCC1of2.
func MakeTokensCC1of2(eval, eval2 byte, pk1, pk2 *ec.PublicKey) *Condition {
	return &Condition{Eval: eval, Eval2: eval2, Pubkeys: []*ec.PublicKey{pk1, pk2}}
}

// Anonymise returns a lossy "mixed" copy of c: the stored script commits
// only to a hash of the pubkey(s), not the pubkeys themselves, matching
// CCutils.cpp's CCtoAnon / MakeCC1voutMixed. A spend against the
// anonymised condition still supplies the real signature and pubkey at
// spend time; only the locking script itself hides them.
func (c *Condition) Anonymise() *Condition {
	cp := *c
	cp.Mixed = true
	return &cp
}

// Script renders the condition to its locking script. The script shape is
// `<eval-tag> OP_DROP` followed by either a plain pubkey CHECKSIG (or
// CHECKMULTISIG for 1-of-2) when unmixed, or a hash160/CHECKSIG-style
// commitment when mixed, so that eval-code metadata is always present and
// discarded up front the way CCutils.cpp's fake-vout prefix works, while
// the actual spending predicate is a standard, script-engine-verifiable
// signature check.
func (c *Condition) Script() (*script.Script, error) {
	asm := fmt.Sprintf("%s OP_DROP", hex.EncodeToString(c.evalTag()))

	switch len(c.Pubkeys) {
	case 1:
		if c.Mixed {
			asm += fmt.Sprintf(" OP_DUP OP_HASH160 %s OP_EQUALVERIFY OP_CHECKSIG", hex.EncodeToString(hash160(c.Pubkeys[0].Compressed())))
		} else {
			asm += fmt.Sprintf(" %s OP_CHECKSIG", hex.EncodeToString(c.Pubkeys[0].Compressed()))
		}
	case 2:
		if c.Mixed {
			asm += fmt.Sprintf(" OP_DUP OP_HASH160 %s OP_EQUALVERIFY OP_CHECKSIG OP_SWAP OP_DUP OP_HASH160 %s OP_EQUALVERIFY OP_CHECKSIG OP_BOOLOR",
				hex.EncodeToString(hash160(c.Pubkeys[0].Compressed())), hex.EncodeToString(hash160(c.Pubkeys[1].Compressed())))
		} else {
			asm += fmt.Sprintf(" OP_1 %s %s OP_2 OP_CHECKMULTISIG", hex.EncodeToString(c.Pubkeys[0].Compressed()), hex.EncodeToString(c.Pubkeys[1].Compressed()))
		}
	default:
		return nil, newErr("Condition.Script", KindInputInvalid, fmt.Sprintf("unsupported pubkey count %d", len(c.Pubkeys)), nil)
	}

	s, err := script.NewFromASM(asm)
	if err != nil {
		return nil, newErr("Condition.Script", KindDecodeError, "failed to assemble condition script", err)
	}
	return s, nil
}

// CCAddress derives the canonical textual address for this condition: a
// Base58Check hash160 of the condition's evalTag+pubkeys commitment,
// stable across releases for a fixed (eval, eval2, pk_set, mixed) tuple,
// per spec.md §4.C2's address-stability invariant.
func (c *Condition) CCAddress(mainnet bool) (string, error) {
	payload := append([]byte{}, c.evalTag()...)
	for _, pk := range c.Pubkeys {
		payload = append(payload, pk.Compressed()...)
	}
	if c.Mixed {
		payload = append(payload, 0x01)
	}
	h := hash160(payload)

	version := byte(0x00) // mainnet P2PKH-style version; testnet callers pass mainnet=false
	if !mainnet {
		version = 0x6f
	}
	return base58CheckEncode(version, h), nil
}

// decodeConditionScript inspects a locking script for the `<evaltag>
// OP_DROP` prefix every Condition.Script() emits, the reverse of evalTag's
// own construction. ok is false for a script that isn't CC-shaped at all.
// eval2 is 0 for a single-eval condition.
func decodeConditionScript(s *script.Script) (eval byte, eval2 byte, ok bool) {
	if s == nil {
		return 0, 0, false
	}
	fields := strings.Fields(s.ToASM())
	if len(fields) < 2 || fields[1] != "OP_DROP" {
		return 0, 0, false
	}
	tag, err := hex.DecodeString(fields[0])
	if err != nil || len(tag) == 0 || len(tag) > 2 {
		return 0, 0, false
	}
	if len(tag) == 1 {
		return tag[0], 0, true
	}
	return tag[0], tag[1], true
}

// decodeConditionPubkeys extracts the raw pubkey(s) committed by an unmixed
// Condition.Script() locking script (1-of-1 CHECKSIG or 1-of-2
// CHECKMULTISIG). It returns nil for a mixed (anonymised) script, whose
// commitment is a hash160 rather than a recoverable pubkey.
func decodeConditionPubkeys(s *script.Script) [][]byte {
	if s == nil {
		return nil
	}
	fields := strings.Fields(s.ToASM())
	if len(fields) < 2 || fields[1] != "OP_DROP" {
		return nil
	}
	switch {
	case len(fields) == 4 && fields[3] == "OP_CHECKSIG":
		pk, err := hex.DecodeString(fields[2])
		if err != nil {
			return nil
		}
		return [][]byte{pk}
	case len(fields) == 7 && fields[2] == "OP_1" && fields[5] == "OP_2" && fields[6] == "OP_CHECKMULTISIG":
		pk1, err1 := hex.DecodeString(fields[3])
		pk2, err2 := hex.DecodeString(fields[4])
		if err1 != nil || err2 != nil {
			return nil
		}
		return [][]byte{pk1, pk2}
	default:
		return nil
	}
}

// hash160 computes RIPEMD160(SHA256(b)), the standard Bitcoin-family
// address-hashing construction, the same two-stage hash go-bk itself
// performs when deriving P2PKH addresses.
func hash160(b []byte) []byte {
	sh := sha256.Sum256(b)
	r := ripemd160.New()
	_, _ = r.Write(sh[:])
	return r.Sum(nil)
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58CheckEncode implements standard Base58Check: version || payload ||
// checksum(4 bytes of double-sha256), encoded in base58 with leading-zero
// preservation. go-sdk/script's Address type is not a fit here: its only
// constructors take a pubkey (NewAddressFromPublicKey) or an
// already-encoded address string (NewAddressFromString), neither of which
// accepts a precomputed, arbitrary hash160 — and the payload hashed into a
// CC address is evalTag+pubkeys(+mixed flag), not a single pubkey's own
// hash. No corpus repo exposes a "build an Address from a raw hash160"
// entry point, so this condition-specific hash is encoded directly instead
// of forcing it through an API shaped for plain P2PKH addresses.
func base58CheckEncode(version byte, payload []byte) string {
	buf := append([]byte{version}, payload...)
	chk1 := sha256.Sum256(buf)
	chk2 := sha256.Sum256(chk1[:])
	buf = append(buf, chk2[:4]...)

	zeros := 0
	for zeros < len(buf) && buf[zeros] == 0 {
		zeros++
	}

	num := new(big.Int).SetBytes(buf)
	base := big.NewInt(58)
	mod := new(big.Int)
	var out []byte
	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for i := 0; i < zeros; i++ {
		out = append(out, base58Alphabet[0])
	}
	// reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
