package derive

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"github.com/stellar/go/strkey"
)

// programTag namespaces every derivation so that addresses produced here can
// never collide with another deployment reusing the same seed strings.
const programTag = "sonicpact/escrow/v1"

// Fixed seeds for program-owned accounts.
const (
	SeedPlatform      = "platform"
	SeedDeal          = "deal"
	SeedVault         = "vault"
	SeedMintAuthority = "mint_authority"
	SeedMint          = "mint"
)

// derived hashes the program tag plus length-prefixed seed components and
// renders the digest as a contract-style strkey ("C..."). Derivation is a pure
// function: same inputs, same address.
func derived(parts ...[]byte) string {
	h := sha256.New()
	h.Write([]byte(programTag))
	var lenBuf [4]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	addr, err := strkey.Encode(strkey.VersionByteContract, h.Sum(nil))
	if err != nil {
		// Encode only rejects payloads that are not 32 bytes; a SHA-256
		// digest always is.
		panic(err)
	}
	return addr
}

// Platform returns the address of the singleton platform account.
func Platform() string {
	return derived([]byte(SeedPlatform))
}

// Deal returns the address of the deal created at the given platform counter
// value. The index is encoded as 8 little-endian bytes.
func Deal(platform string, index uint64) string {
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], index)
	return derived([]byte(SeedDeal), []byte(platform), idx[:])
}

// Vault returns the address of the escrow vault owned by the given deal.
func Vault(deal string) string {
	return derived([]byte(SeedVault), []byte(deal))
}

// MintAuthority returns the deal-scoped authority allowed to mint the deal's
// completion credential. Scoping the authority to the deal prevents any
// post-completion re-minting.
func MintAuthority(deal string) string {
	return derived([]byte(SeedMintAuthority), []byte(deal))
}

// Mint returns the address of the one-of-one credential mint for a deal.
func Mint(deal string) string {
	return derived([]byte(SeedMint), []byte(deal))
}

// NewWalletAddress returns a fresh random account address ("G...") for a user
// wallet. Wallets are the only accounts that are not derived.
func NewWalletAddress() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return strkey.Encode(strkey.VersionByteAccountID, b[:])
}
