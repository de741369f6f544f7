// Package tron derives TRON base58 deposit addresses from BIP32 extended
// public keys. Derivation is non-custodial: only public child keys are ever
// computed.
//
// An address is derived as keccak256(uncompressed_pubkey[1:])[12:], prefixed
// with the TRON version byte 0x41 and Base58Check encoded. Getting this wrong
// silently directs customer funds to an unspendable address, so every failure
// path returns a DerivationError and never a fallback value.
package tron

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// AddressVersion is the version byte of TRON mainnet addresses.
	AddressVersion = 0x41

	// AddressLength is the length of a base58-encoded TRON address.
	AddressLength = 34

	// DefaultDerivationPrefix is the account path assumed to be embedded in
	// a merchant xPub (BIP44, coin type 195). Only the final change/index
	// pair is derived here; wallets registering any other prefix are
	// rejected up front instead of silently deriving a different key.
	DefaultDerivationPrefix = "m/44'/195'/0'/0"

	// externalChain is the BIP44 change level for receiving addresses.
	externalChain = 0
)

// DerivationError wraps any failure while turning an xPub and index into an
// address. Callers must treat it as fatal for the enclosing operation.
type DerivationError struct {
	Index uint32
	Err   error
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("tron: deriving address at index %d: %v", e.Index, e.Err)
}

func (e *DerivationError) Unwrap() error { return e.Err }

// DeriveAddress computes the TRON address for the non-hardened child
// 0/index of the given extended public key.
func DeriveAddress(xpub string, index uint32) (string, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return "", &DerivationError{Index: index, Err: fmt.Errorf("parsing xpub: %w", err)}
	}
	if key.IsPrivate() {
		return "", &DerivationError{Index: index, Err: fmt.Errorf("key is private, expected xpub")}
	}
	change, err := key.Derive(externalChain)
	if err != nil {
		return "", &DerivationError{Index: index, Err: fmt.Errorf("deriving change level: %w", err)}
	}
	child, err := change.Derive(index)
	if err != nil {
		return "", &DerivationError{Index: index, Err: fmt.Errorf("deriving child: %w", err)}
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", &DerivationError{Index: index, Err: fmt.Errorf("extracting public key: %w", err)}
	}
	// 65 bytes: 0x04 || X || Y. The hash covers only the 64-byte body.
	uncompressed := pub.SerializeUncompressed()
	hash := crypto.Keccak256(uncompressed[1:])
	return base58.CheckEncode(hash[len(hash)-20:], AddressVersion), nil
}

// ValidateAddress reports whether addr is a well-formed TRON base58 address:
// 34 characters starting with T, decoding to 21 payload bytes with version
// 0x41 and a valid double-SHA256 checksum.
func ValidateAddress(addr string) bool {
	if len(addr) != AddressLength || !strings.HasPrefix(addr, "T") {
		return false
	}
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return false
	}
	return version == AddressVersion && len(payload) == 20
}

// ValidateXPub reports whether s parses as a BIP32 extended public key.
func ValidateXPub(s string) bool {
	if !strings.HasPrefix(s, "xpub") {
		return false
	}
	key, err := hdkeychain.NewKeyFromString(s)
	if err != nil {
		return false
	}
	return !key.IsPrivate()
}

// PaymentURI renders the tronlink payment link encoded into merchant QR
// codes. Amount must already be in canonical decimal form.
func PaymentURI(address, amount, contract string) string {
	return fmt.Sprintf("tronlink://pay?address=%s&amount=%s&token=%s", address, amount, contract)
}
