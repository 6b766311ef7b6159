// Package commitment verifies commit-reveal trade commitments.
//
// A commitment is the Keccak-256 hash of a canonical JSON payload describing
// an opening trade, signed by the agent's registered wallet as an EIP-191
// personal message over the 32 hash bytes. At reveal time the engine rebuilds
// the payload from stored OPEN metadata plus the disclosed instrument, price
// and nonce, and requires both the hash and the signer to match.
package commitment

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/jon-tompkins/clawstreet/internal/model"
)

var (
	ErrMalformedHash      = errors.New("commitment: hash must be 0x-prefixed 32-byte hex")
	ErrMalformedSignature = errors.New("commitment: signature must be 0x-prefixed 65-byte hex")
	ErrMalformedAddress   = errors.New("commitment: invalid wallet address")
	ErrHashMismatch       = errors.New("commitment: reveal does not match commitment")
	ErrSignerMismatch     = errors.New("commitment: signature does not match registered wallet")
	ErrMissingTimestamp   = errors.New("commitment: timestamp is required")
	ErrTimestampPrecision = errors.New("commitment: timestamp finer than microseconds")
)

// TimestampLayout is the canonical encoding of the commit timestamp.
const TimestampLayout = time.RFC3339Nano

// TimestampPrecision is the finest commit timestamp every store keeps
// exactly. PostgreSQL TIMESTAMPTZ stops at microseconds.
const TimestampPrecision = time.Microsecond

// WalletMessageFormat is filled with the checksummed address and agent id.
const WalletMessageFormat = "Register wallet %s for Clawstreet agent %s"

// CheckTimestamp reports whether ts can be bound into a commitment and
// reproduced byte for byte at reveal time.
func CheckTimestamp(ts time.Time) error {
	if ts.IsZero() {
		return ErrMissingTimestamp
	}
	if !ts.Truncate(TimestampPrecision).Equal(ts) {
		return fmt.Errorf("%w: %s", ErrTimestampPrecision, ts.UTC().Format(TimestampLayout))
	}
	return nil
}

// Payload is the canonical description of a committed opening trade.
// Field order is alphabetical by JSON key and must not change: the JSON
// encoding of this struct is the exact byte string that gets hashed.
type Payload struct {
	Action     string `json:"action"`
	AgentID    string `json:"agent_id"`
	Amount     string `json:"amount"`
	Instrument string `json:"instrument"`
	Nonce      string `json:"nonce"`
	Price      string `json:"price"`
	Side       string `json:"side"`
	Timestamp  string `json:"timestamp"`
}

// NewPayload builds a Payload with canonical value encodings: upper-case
// tokens, decimals in shortest exact form, UTC RFC 3339 timestamp.
func NewPayload(agentID string, side model.Direction, amount decimal.Decimal,
	instrument string, price decimal.Decimal, ts time.Time, nonce string) Payload {
	return Payload{
		Action:     string(model.ActionOpen),
		AgentID:    agentID,
		Amount:     amount.String(),
		Instrument: strings.ToUpper(strings.TrimSpace(instrument)),
		Nonce:      nonce,
		Price:      price.String(),
		Side:       strings.ToUpper(string(side)),
		Timestamp:  ts.UTC().Format(TimestampLayout),
	}
}

// Canonical returns the byte string that is hashed.
func (p Payload) Canonical() []byte {
	// Marshalling a struct of strings cannot fail.
	b, _ := json.Marshal(p)
	return b
}

// Hash returns Keccak-256 of the canonical encoding.
func (p Payload) Hash() common.Hash {
	return crypto.Keccak256Hash(p.Canonical())
}

// ParseHash decodes a 0x-prefixed 32-byte hex digest.
func ParseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, ErrMalformedHash
	}
	return common.BytesToHash(b), nil
}

// ParseAddress validates and checksums a wallet address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrMalformedAddress, s)
	}
	return common.HexToAddress(s), nil
}

// Recover returns the address that produced sig over the EIP-191 personal
// message msg.
func Recover(msg []byte, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(sig))
	if err != nil || len(raw) != crypto.SignatureLength {
		return common.Address{}, ErrMalformedSignature
	}
	// Wallets emit v as 27/28; recovery expects 0/1.
	sigCopy := make([]byte, len(raw))
	copy(sigCopy, raw)
	if sigCopy[crypto.RecoveryIDOffset] >= 27 {
		sigCopy[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verifier checks commitments against a wallet. It is stateless.
type Verifier struct{}

// NewVerifier returns a Verifier.
func NewVerifier() *Verifier { return &Verifier{} }

// VerifySignature checks that sig over hash was produced by wallet.
func (v *Verifier) VerifySignature(hash common.Hash, sig, wallet string) error {
	want, err := ParseAddress(wallet)
	if err != nil {
		return err
	}
	got, err := Recover(hash.Bytes(), sig)
	if err != nil {
		return err
	}
	if got != want {
		return ErrSignerMismatch
	}
	return nil
}

// VerifyReveal rebuilds the commitment from p and checks it against the
// stored hash and signature. The computed hash is never included in the
// returned error.
func (v *Verifier) VerifyReveal(p Payload, storedHash, sig, wallet string) error {
	stored, err := ParseHash(storedHash)
	if err != nil {
		return err
	}
	if p.Hash() != stored {
		return ErrHashMismatch
	}
	return v.VerifySignature(stored, sig, wallet)
}

// WalletMessage is the text an agent signs to prove it controls wallet.
func WalletMessage(wallet common.Address, agentID string) string {
	return fmt.Sprintf(WalletMessageFormat, wallet.Hex(), agentID)
}

// VerifyWalletOwnership checks sig over WalletMessage and returns the
// checksummed address.
func (v *Verifier) VerifyWalletOwnership(wallet, agentID, sig string) (common.Address, error) {
	addr, err := ParseAddress(wallet)
	if err != nil {
		return common.Address{}, err
	}
	got, err := Recover([]byte(WalletMessage(addr, agentID)), sig)
	if err != nil {
		return common.Address{}, err
	}
	if got != addr {
		return common.Address{}, ErrSignerMismatch
	}
	return addr, nil
}

// Sign produces a wallet-style (v = 27/28) personal signature of msg. It is
// the client half of the protocol, used by tooling and tests.
func Sign(key *ecdsa.PrivateKey, msg []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
