package pact

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sonicpact.io/internal/derive"
	"sonicpact.io/internal/ids"
)

// Service defines every escrow operation. Each call is one atomic unit: it
// either commits all of its state changes or none of them, and errors are
// surfaced synchronously.
type Service interface {
	InitializePlatform(ctx context.Context, authority string, feeRateBps uint64) (Platform, error)
	UpdatePlatformFee(ctx context.Context, signer string, feeRateBps uint64) (Platform, error)
	GetPlatform(ctx context.Context) (Platform, error)

	CreateWallet(ctx context.Context, initial uint64) (Wallet, error)
	GetBalance(ctx context.Context, address string) (uint64, error)

	CreateDeal(ctx context.Context, signer, celebrity string, terms DealTerms, name, description string) (Deal, error)
	GetDeal(ctx context.Context, address string) (Deal, error)
	ListDeals(ctx context.Context, limit int, startIndex uint64) ([]Deal, uint64, error)
	AcceptDeal(ctx context.Context, address, signer string) (Deal, error)
	FundDeal(ctx context.Context, address, signer string, amount uint64) (Deal, error)
	CompleteDeal(ctx context.Context, address, signer string) (Settlement, error)
	CancelDeal(ctx context.Context, address, signer string) (Deal, error)

	GetCredential(ctx context.Context, deal string) (Credential, error)
	VaultBalance(ctx context.Context, deal string) (uint64, error)
}

// MetadataURI returns the canonical pointer under which a deal's credential
// metadata is published.
func MetadataURI(deal string) string {
	return fmt.Sprintf("https://sonicpact.io/metadata/%s.json", deal)
}

// InMemory implements Service behind a single mutex. The mutex is the
// serialization point the deal counter needs: concurrent CreateDeal calls
// always observe distinct indices.
type InMemory struct {
	mu       sync.Mutex
	platform *Platform
	wallets  map[string]*Wallet
	deals    map[string]*Deal
	order    []string // deal addresses in index order
	vaults   map[string]uint64
	creds    map[string]Credential // keyed by deal address
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an engine with no platform and no deals.
func NewInMemory() *InMemory {
	return &InMemory{
		wallets: make(map[string]*Wallet),
		deals:   make(map[string]*Deal),
		vaults:  make(map[string]uint64),
		creds:   make(map[string]Credential),
	}
}

func (s *InMemory) InitializePlatform(ctx context.Context, authority string, feeRateBps uint64) (Platform, error) {
	if authority == "" {
		return Platform{}, ErrUnauthorized
	}
	if feeRateBps > MaxFeeRateBps {
		return Platform{}, ErrFeeTooHigh
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.platform != nil {
		return Platform{}, ErrAlreadyInitialized
	}
	now := time.Now().UTC()
	s.platform = &Platform{
		Address:    derive.Platform(),
		Authority:  authority,
		FeeRateBps: feeRateBps,
		TotalDeals: 0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return *s.platform, nil
}

func (s *InMemory) UpdatePlatformFee(ctx context.Context, signer string, feeRateBps uint64) (Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.platform == nil {
		return Platform{}, ErrNotInitialized
	}
	if signer != s.platform.Authority {
		return Platform{}, ErrUnauthorized
	}
	if feeRateBps > MaxFeeRateBps {
		// Fee rate stays unchanged on failure.
		return Platform{}, ErrFeeTooHigh
	}
	s.platform.FeeRateBps = feeRateBps
	s.platform.UpdatedAt = time.Now().UTC()
	return *s.platform, nil
}

func (s *InMemory) GetPlatform(ctx context.Context) (Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.platform == nil {
		return Platform{}, ErrNotInitialized
	}
	return *s.platform, nil
}

func (s *InMemory) CreateWallet(ctx context.Context, initial uint64) (Wallet, error) {
	addr, err := derive.NewWalletAddress()
	if err != nil {
		return Wallet{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := &Wallet{Address: addr, Balance: initial, CreatedAt: time.Now().UTC()}
	s.wallets[addr] = w
	return *w, nil
}

func (s *InMemory) GetBalance(ctx context.Context, address string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[address]
	if !ok {
		return 0, ErrNotFound
	}
	return w.Balance, nil
}

func (s *InMemory) CreateDeal(ctx context.Context, signer, celebrity string, terms DealTerms, name, description string) (Deal, error) {
	if signer == "" || celebrity == "" {
		return Deal{}, ErrUnauthorized
	}
	if err := terms.Validate(); err != nil {
		return Deal{}, err
	}
	if len(name) > MaxNameLen {
		return Deal{}, ErrNameTooLong
	}
	if len(description) > MaxDescriptionLen {
		return Deal{}, ErrDescriptionTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.platform == nil {
		return Deal{}, ErrNotInitialized
	}

	index := s.platform.TotalDeals
	total, err := AddChecked(index, 1)
	if err != nil {
		return Deal{}, err
	}
	addr := derive.Deal(s.platform.Address, index)

	now := time.Now().UTC()
	d := &Deal{
		Address:      addr,
		Index:        index,
		Platform:     s.platform.Address,
		Studio:       signer,
		Celebrity:    celebrity,
		Terms:        terms,
		Name:         name,
		Description:  description,
		Status:       StatusProposed,
		FundedAmount: 0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// The counter bump and the deal insert commit together.
	s.platform.TotalDeals = total
	s.platform.UpdatedAt = now
	s.deals[addr] = d
	s.order = append(s.order, addr)
	return *d, nil
}

func (s *InMemory) GetDeal(ctx context.Context, address string) (Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.dealLocked(address)
	if err != nil {
		return Deal{}, err
	}
	return *d, nil
}

func (s *InMemory) ListDeals(ctx context.Context, limit int, startIndex uint64) ([]Deal, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []Deal
	var next uint64
	for _, addr := range s.order {
		d := s.deals[addr]
		if d.Index < startIndex {
			continue
		}
		res = append(res, *d)
		next = d.Index + 1
		if len(res) >= limit {
			break
		}
	}
	return res, next, nil
}

func (s *InMemory) AcceptDeal(ctx context.Context, address, signer string) (Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.dealLocked(address)
	if err != nil {
		return Deal{}, err
	}
	if d.Status != StatusProposed {
		return Deal{}, ErrInvalidDealStatus
	}
	if signer != d.Celebrity {
		return Deal{}, ErrUnauthorized
	}

	d.Status = StatusAccepted
	d.UpdatedAt = time.Now().UTC()
	return *d, nil
}

func (s *InMemory) FundDeal(ctx context.Context, address, signer string, amount uint64) (Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.dealLocked(address)
	if err != nil {
		return Deal{}, err
	}
	if d.Status != StatusAccepted {
		return Deal{}, ErrInvalidDealStatus
	}
	if signer != d.Studio {
		return Deal{}, ErrUnauthorized
	}
	// Exact funding only; no accumulation across calls.
	if amount != d.Terms.PaymentAmount {
		return Deal{}, ErrInsufficientFunds
	}

	w, ok := s.wallets[signer]
	if !ok || w.Balance < amount {
		return Deal{}, ErrInsufficientFunds
	}

	vault := derive.Vault(d.Address)
	newVault, err := AddChecked(s.vaults[vault], amount)
	if err != nil {
		return Deal{}, err
	}

	// Conservation: the wallet debit and vault credit commit together.
	w.Balance -= amount
	s.vaults[vault] = newVault
	d.FundedAmount = amount
	d.Status = StatusFunded
	d.UpdatedAt = time.Now().UTC()
	return *d, nil
}

func (s *InMemory) CompleteDeal(ctx context.Context, address, signer string) (Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.dealLocked(address)
	if err != nil {
		return Settlement{}, err
	}
	if d.Status != StatusFunded {
		return Settlement{}, ErrInvalidDealStatus
	}
	if signer != d.Studio {
		return Settlement{}, ErrUnauthorized
	}

	vault := derive.Vault(d.Address)
	if s.vaults[vault] != d.FundedAmount {
		return Settlement{}, ErrVaultImbalance
	}

	fee, payout, err := SplitFee(d.FundedAmount, s.platform.FeeRateBps)
	if err != nil {
		return Settlement{}, err
	}

	// Stage both credits before touching any balance so a failure leaves the
	// vault untouched. Celebrity and authority may be the same wallet.
	credits := map[string]uint64{}
	if credits[d.Celebrity], err = AddChecked(credits[d.Celebrity], payout); err != nil {
		return Settlement{}, err
	}
	if credits[s.platform.Authority], err = AddChecked(credits[s.platform.Authority], fee); err != nil {
		return Settlement{}, err
	}
	staged := make(map[string]uint64, len(credits))
	for addr, inc := range credits {
		bal, err := AddChecked(s.walletLocked(addr).Balance, inc)
		if err != nil {
			return Settlement{}, err
		}
		staged[addr] = bal
	}

	now := time.Now().UTC()
	cred := Credential{
		ID:            ids.New(),
		Deal:          d.Address,
		Mint:          derive.Mint(d.Address),
		MintAuthority: derive.MintAuthority(d.Address),
		Owner:         d.Studio,
		MetadataURI:   MetadataURI(d.Address),
		Metadata: CredentialMetadata{
			DealName:      d.Name,
			Studio:        d.Studio,
			Celebrity:     d.Celebrity,
			PaymentAmount: d.Terms.PaymentAmount,
			DurationDays:  d.Terms.DurationDays,
			UsageRights:   d.Terms.UsageRights,
			Exclusivity:   d.Terms.Exclusivity,
			CompletedAt:   now,
		},
		IssuedAt: now,
	}

	// Commit: payouts, vault zeroing, credential mint, status flip.
	for addr, bal := range staged {
		s.walletLocked(addr).Balance = bal
	}
	s.vaults[vault] = 0
	s.creds[d.Address] = cred
	d.Status = StatusCompleted
	d.UpdatedAt = now

	return Settlement{
		Deal:            *d,
		FeeAmount:       fee,
		CelebrityAmount: payout,
		FeeRecipient:    s.platform.Authority,
		Credential:      cred,
		CompletedAt:     now,
	}, nil
}

func (s *InMemory) CancelDeal(ctx context.Context, address, signer string) (Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.dealLocked(address)
	if err != nil {
		return Deal{}, err
	}
	if d.Status.Terminal() {
		return Deal{}, ErrInvalidDealStatus
	}
	if signer != d.Studio {
		return Deal{}, ErrUnauthorized
	}

	now := time.Now().UTC()
	if d.Status == StatusFunded {
		vault := derive.Vault(d.Address)
		if s.vaults[vault] != d.FundedAmount {
			return Deal{}, ErrVaultImbalance
		}
		refunded, err := AddChecked(s.walletLocked(d.Studio).Balance, d.FundedAmount)
		if err != nil {
			return Deal{}, err
		}
		s.walletLocked(d.Studio).Balance = refunded
		s.vaults[vault] = 0
	}
	d.Status = StatusCancelled
	d.UpdatedAt = now
	return *d, nil
}

func (s *InMemory) GetCredential(ctx context.Context, deal string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[deal]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemory) VaultBalance(ctx context.Context, deal string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.dealLocked(deal); err != nil {
		return 0, err
	}
	return s.vaults[derive.Vault(deal)], nil
}

// dealLocked looks a deal up and re-verifies its address against the
// derivation before anything trusts it. Callers must hold s.mu.
func (s *InMemory) dealLocked(address string) (*Deal, error) {
	d, ok := s.deals[address]
	if !ok {
		return nil, ErrNotFound
	}
	if derive.Deal(d.Platform, d.Index) != d.Address {
		return nil, ErrAddressMismatch
	}
	return d, nil
}

// walletLocked returns the wallet for addr, creating an empty one for payout
// destinations that have never been seen. Callers must hold s.mu.
func (s *InMemory) walletLocked(addr string) *Wallet {
	w, ok := s.wallets[addr]
	if !ok {
		w = &Wallet{Address: addr, CreatedAt: time.Now().UTC()}
		s.wallets[addr] = w
	}
	return w
}
