package pact

import (
	"errors"
	"time"

	"sonicpact.io/internal/derive"
)

// All amounts are integer minor units (lamport scale). No floats.

// DealStatus is the lifecycle state of a deal. Completed and Cancelled are
// terminal; nothing transitions out of them.
type DealStatus string

const (
	StatusProposed  DealStatus = "proposed"
	StatusAccepted  DealStatus = "accepted"
	StatusFunded    DealStatus = "funded"
	StatusCompleted DealStatus = "completed"
	StatusCancelled DealStatus = "cancelled"
)

func (s DealStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// UsageRights describes what the studio may do with the celebrity's likeness.
type UsageRights string

const (
	UsageLimited UsageRights = "limited"
	UsageFull    UsageRights = "full"
	UsageCustom  UsageRights = "custom"
)

func (u UsageRights) Valid() bool {
	switch u {
	case UsageLimited, UsageFull, UsageCustom:
		return true
	}
	return false
}

const (
	// Name and description bounds match the fixed sizing of the persisted
	// deal record.
	MaxNameLen        = 32
	MaxDescriptionLen = 96

	// MaxFeeRateBps caps the platform fee at 10%.
	MaxFeeRateBps = 1000

	bpsDenominator = 10_000
)

// DealTerms are immutable after creation.
type DealTerms struct {
	PaymentAmount uint64      `json:"payment_amount"`
	DurationDays  uint16      `json:"duration_days"`
	UsageRights   UsageRights `json:"usage_rights"`
	Exclusivity   bool        `json:"exclusivity"`
}

func (t DealTerms) Validate() error {
	if t.PaymentAmount == 0 {
		return ErrInvalidAmount
	}
	if t.DurationDays == 0 {
		return ErrInvalidDuration
	}
	if !t.UsageRights.Valid() {
		return ErrInvalidUsageRights
	}
	return nil
}

// Platform is the singleton registry: fee policy plus the global deal counter.
// TotalDeals only ever increases; it doubles as the discriminator seed for new
// deal addresses.
type Platform struct {
	Address    string    `json:"address"`
	Authority  string    `json:"authority"`
	FeeRateBps uint64    `json:"fee_rate_bps"`
	TotalDeals uint64    `json:"total_deals"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Deal is the agreement record between a studio and a celebrity.
type Deal struct {
	Address      string     `json:"address"`
	Index        uint64     `json:"index"`
	Platform     string     `json:"platform"`
	Studio       string     `json:"studio"`
	Celebrity    string     `json:"celebrity"`
	Terms        DealTerms  `json:"terms"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Status       DealStatus `json:"status"`
	FundedAmount uint64     `json:"funded_amount"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// VaultAddress is recomputed from the deal address, never stored.
func (d Deal) VaultAddress() string {
	return derive.Vault(d.Address)
}

// Wallet is a user-held account funding deals and receiving payouts.
type Wallet struct {
	Address   string    `json:"address"`
	Balance   uint64    `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// CredentialMetadata is the write-once descriptive payload attached to a
// completion credential.
type CredentialMetadata struct {
	DealName      string      `json:"deal_name"`
	Studio        string      `json:"studio"`
	Celebrity     string      `json:"celebrity"`
	PaymentAmount uint64      `json:"payment_amount"`
	DurationDays  uint16      `json:"duration_days"`
	UsageRights   UsageRights `json:"usage_rights"`
	Exclusivity   bool        `json:"exclusivity"`
	CompletedAt   time.Time   `json:"completed_at"`
}

// Credential is the one-of-one token minted to the studio when a deal
// completes. The mint authority is scoped to the deal, so a second mint for
// the same deal is impossible.
type Credential struct {
	ID            string             `json:"id"`
	Deal          string             `json:"deal"`
	Mint          string             `json:"mint"`
	MintAuthority string             `json:"mint_authority"`
	Owner         string             `json:"owner"`
	MetadataURI   string             `json:"metadata_uri"`
	Metadata      CredentialMetadata `json:"metadata"`
	IssuedAt      time.Time          `json:"issued_at"`
}

// Settlement is the outcome of a completed deal: the fee split, the payout
// destinations and the minted credential. fee + celebrity == funded, always.
type Settlement struct {
	Deal            Deal       `json:"deal"`
	FeeAmount       uint64     `json:"fee_amount"`
	CelebrityAmount uint64     `json:"celebrity_amount"`
	FeeRecipient    string     `json:"fee_recipient"`
	Credential      Credential `json:"credential"`
	CompletedAt     time.Time  `json:"completed_at"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized signer")
	ErrInvalidDealStatus  = errors.New("invalid deal status for this operation")
	ErrFeeTooHigh         = errors.New("platform fee too high (max 1000 bps)")
	ErrAddressMismatch    = errors.New("account address does not match its derivation")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrNotFound           = errors.New("not found")
	ErrNotInitialized     = errors.New("platform not initialized")
	ErrAlreadyInitialized = errors.New("platform already initialized")
	ErrInvalidAmount      = errors.New("payment_amount must be > 0")
	ErrInvalidDuration    = errors.New("duration_days must be > 0")
	ErrInvalidUsageRights = errors.New("unknown usage rights")
	ErrNameTooLong        = errors.New("deal name too long")
	ErrDescriptionTooLong = errors.New("deal description too long")
	ErrVaultImbalance     = errors.New("vault balance does not match funded amount")
)
