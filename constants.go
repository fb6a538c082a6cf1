package cc

// DefaultSatPerKb is the default fee rate in satoshis per kilobyte, used
// whenever a caller requests a zero fee rate.
const DefaultSatPerKb uint64 = 10

// APIHost is the default HTTP indexer host used by HTTPUtxoIndexReader.
const APIHost = "https://ordinals.gorillapool.io/api"

// Eval-codes identifying each CC module, one byte each.
const (
	EvalTokensV1 byte = 0xf2
	EvalTokensV2 byte = 0xf3
	EvalAssets   byte = 0xf4
	EvalAssetsV2 byte = 0xf5
	EvalHeir     byte = 0xf6
)

// Token funcids.
const (
	TokenFuncCreateV1   byte = 'c'
	TokenFuncCreateV2   byte = 'C'
	TokenFuncTransferV1 byte = 't'
	TokenFuncTransferV2 byte = 'T'
)

// Asset funcids.
const (
	AssetFuncBid         byte = 'b'
	AssetFuncBidPartial  byte = 'B'
	AssetFuncAsk         byte = 's'
	AssetFuncAskPartial  byte = 'S'
	AssetFuncCancelBid   byte = 'o'
	AssetFuncCancelAsk   byte = 'x'
	AssetFuncSwap        byte = 'e'
	AssetFuncSwapPartial byte = 'E'
)

// Heir funcids.
const (
	HeirFuncFund  byte = 'F'
	HeirFuncAdd   byte = 'A'
	HeirFuncClaim byte = 'C'
)

// PayloadVersion1 is the current (only encoded) payload version.
const PayloadVersion1 byte = 1

// DefaultTxFee is the satoshi fee used whenever a caller requests 0.
const DefaultTxFee uint64 = 10000

// AssetsMarkerAmount is the fixed satoshi value of an order's marker vout.
const AssetsMarkerAmount uint64 = 10000

// NFTRoyaltyDivisor is the divisor for the royalty fraction r/1000.
const NFTRoyaltyDivisor uint64 = 1000

// MaxNFTRoyalty is the maximum allowed royalty numerator (clamped).
const MaxNFTRoyalty uint64 = NFTRoyaltyDivisor - 1

// MaxTokenNameLen and MaxTokenDescriptionLen bound the token create payload.
const (
	MaxTokenNameLen        = 32
	MaxTokenDescriptionLen = 4096
)

// May2020NNElectionHardfork is the chain timestamp (unix seconds) gating the
// legacy v0 heir payload layout; txs at/after this time always use v1.
const May2020NNElectionHardfork int64 = 1590926400

// burnPubKeyHex is the canonical dead/burn pubkey NFTs are sent to when
// spending a token's global marker (invariant I2).
const burnPubKeyHex = "02ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
