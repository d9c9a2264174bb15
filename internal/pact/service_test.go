package pact

import (
	"context"
	"errors"
	"sync"
	"testing"

	"sonicpact.io/internal/derive"
)

func newFixture(t *testing.T, feeBps uint64, studioBalance uint64) (*InMemory, Platform, Wallet, Wallet) {
	t.Helper()
	s := NewInMemory()
	ctx := context.Background()

	authority, err := s.CreateWallet(ctx, 0)
	if err != nil {
		t.Fatalf("create authority wallet: %v", err)
	}
	p, err := s.InitializePlatform(ctx, authority.Address, feeBps)
	if err != nil {
		t.Fatalf("initialize platform: %v", err)
	}
	studio, err := s.CreateWallet(ctx, studioBalance)
	if err != nil {
		t.Fatalf("create studio wallet: %v", err)
	}
	celebrity, err := s.CreateWallet(ctx, 0)
	if err != nil {
		t.Fatalf("create celebrity wallet: %v", err)
	}
	return s, p, studio, celebrity
}

func defaultTerms(amount uint64) DealTerms {
	return DealTerms{
		PaymentAmount: amount,
		DurationDays:  90,
		UsageRights:   UsageLimited,
		Exclusivity:   true,
	}
}

func TestFullLifecycleSettlement(t *testing.T) {
	const amount = 1_000_000_000
	s, p, studio, celebrity := newFixture(t, 250, amount)
	ctx := context.Background()

	d, err := s.CreateDeal(ctx, studio.Address, celebrity.Address, defaultTerms(amount), "Racing Game Voiceover", "In-game likeness and voice")
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	if d.Status != StatusProposed || d.Index != 0 {
		t.Fatalf("unexpected new deal: %+v", d)
	}
	if d.Address != derive.Deal(p.Address, 0) {
		t.Fatalf("deal address not derived from index: %s", d.Address)
	}

	if _, err := s.AcceptDeal(ctx, d.Address, celebrity.Address); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := s.FundDeal(ctx, d.Address, studio.Address, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}

	locked, err := s.VaultBalance(ctx, d.Address)
	if err != nil || locked != amount {
		t.Fatalf("vault balance after funding = %d, err=%v", locked, err)
	}

	st, err := s.CompleteDeal(ctx, d.Address, studio.Address)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if st.FeeAmount != 25_000_000 || st.CelebrityAmount != 975_000_000 {
		t.Fatalf("unexpected split: fee=%d celebrity=%d", st.FeeAmount, st.CelebrityAmount)
	}
	if st.FeeAmount+st.CelebrityAmount != amount {
		t.Fatalf("conservation violated: %d + %d != %d", st.FeeAmount, st.CelebrityAmount, amount)
	}

	if bal, _ := s.VaultBalance(ctx, d.Address); bal != 0 {
		t.Fatalf("vault not drained: %d", bal)
	}
	if bal, _ := s.GetBalance(ctx, celebrity.Address); bal != 975_000_000 {
		t.Fatalf("celebrity balance = %d", bal)
	}
	if bal, _ := s.GetBalance(ctx, p.Authority); bal != 25_000_000 {
		t.Fatalf("fee recipient balance = %d", bal)
	}

	got, err := s.GetDeal(ctx, d.Address)
	if err != nil || got.Status != StatusCompleted {
		t.Fatalf("deal after completion: %+v, err=%v", got, err)
	}

	cred, err := s.GetCredential(ctx, d.Address)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if cred.Owner != studio.Address {
		t.Fatalf("credential owner = %s, want studio", cred.Owner)
	}
	if cred.Mint != derive.Mint(d.Address) || cred.MintAuthority != derive.MintAuthority(d.Address) {
		t.Fatalf("credential mint accounts not deal-scoped: %+v", cred)
	}
	if cred.Metadata.DealName != d.Name || cred.Metadata.CompletedAt.IsZero() {
		t.Fatalf("credential metadata incomplete: %+v", cred.Metadata)
	}
}

func TestFundAmountMismatchRejected(t *testing.T) {
	const amount = 1_000_000_000
	s, _, studio, celebrity := newFixture(t, 250, amount)
	ctx := context.Background()

	d, err := s.CreateDeal(ctx, studio.Address, celebrity.Address, defaultTerms(amount), "Mismatch", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AcceptDeal(ctx, d.Address, celebrity.Address); err != nil {
		t.Fatal(err)
	}

	if _, err := s.FundDeal(ctx, d.Address, studio.Address, 500_000_000); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	got, _ := s.GetDeal(ctx, d.Address)
	if got.Status != StatusAccepted || got.FundedAmount != 0 {
		t.Fatalf("partial funding leaked into deal: %+v", got)
	}
	if bal, _ := s.VaultBalance(ctx, d.Address); bal != 0 {
		t.Fatalf("vault balance = %d, want 0", bal)
	}
	if bal, _ := s.GetBalance(ctx, studio.Address); bal != amount {
		t.Fatalf("studio debited on failed funding: %d", bal)
	}
}

func TestCancelFundedDealRefundsStudio(t *testing.T) {
	const amount = 700_000
	s, _, studio, celebrity := newFixture(t, 100, amount)
	ctx := context.Background()

	d, _ := s.CreateDeal(ctx, studio.Address, celebrity.Address, defaultTerms(amount), "Refundable", "")
	if _, err := s.AcceptDeal(ctx, d.Address, celebrity.Address); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FundDeal(ctx, d.Address, studio.Address, amount); err != nil {
		t.Fatal(err)
	}
	if bal, _ := s.GetBalance(ctx, studio.Address); bal != 0 {
		t.Fatalf("studio balance after funding = %d", bal)
	}

	got, err := s.CancelDeal(ctx, d.Address, studio.Address)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if bal, _ := s.VaultBalance(ctx, d.Address); bal != 0 {
		t.Fatalf("vault balance after cancel = %d", bal)
	}
	if bal, _ := s.GetBalance(ctx, studio.Address); bal != amount {
		t.Fatalf("refund missing: studio balance = %d, want %d", bal, amount)
	}
}

func TestFeeCeiling(t *testing.T) {
	s, p, _, _ := newFixture(t, 250, 0)
	ctx := context.Background()

	if _, err := s.UpdatePlatformFee(ctx, p.Authority, 1500); !errors.Is(err, ErrFeeTooHigh) {
		t.Fatalf("expected ErrFeeTooHigh, got %v", err)
	}
	got, _ := s.GetPlatform(ctx)
	if got.FeeRateBps != 250 {
		t.Fatalf("fee changed on failed update: %d", got.FeeRateBps)
	}

	if _, err := s.UpdatePlatformFee(ctx, p.Authority, 1000); err != nil {
		t.Fatalf("1000 bps should be accepted: %v", err)
	}

	// The ceiling also applies at initialization.
	fresh := NewInMemory()
	if _, err := fresh.InitializePlatform(ctx, "GAUTH", 1001); !errors.Is(err, ErrFeeTooHigh) {
		t.Fatalf("expected ErrFeeTooHigh at init, got %v", err)
	}
}

func TestUpdateFeeUnauthorized(t *testing.T) {
	s, _, studio, _ := newFixture(t, 250, 0)
	if _, err := s.UpdatePlatformFee(context.Background(), studio.Address, 100); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestTerminalStateClosure(t *testing.T) {
	const amount = 1_000
	s, _, studio, celebrity := newFixture(t, 0, amount)
	ctx := context.Background()

	d, _ := s.CreateDeal(ctx, studio.Address, celebrity.Address, defaultTerms(amount), "Doomed", "")
	if _, err := s.CancelDeal(ctx, d.Address, studio.Address); err != nil {
		t.Fatal(err)
	}

	if _, err := s.AcceptDeal(ctx, d.Address, celebrity.Address); !errors.Is(err, ErrInvalidDealStatus) {
		t.Fatalf("accept on cancelled: %v", err)
	}
	if _, err := s.FundDeal(ctx, d.Address, studio.Address, amount); !errors.Is(err, ErrInvalidDealStatus) {
		t.Fatalf("fund on cancelled: %v", err)
	}
	if _, err := s.CompleteDeal(ctx, d.Address, studio.Address); !errors.Is(err, ErrInvalidDealStatus) {
		t.Fatalf("complete on cancelled: %v", err)
	}
	// Cancellation is not idempotent at the state layer.
	if _, err := s.CancelDeal(ctx, d.Address, studio.Address); !errors.Is(err, ErrInvalidDealStatus) {
		t.Fatalf("second cancel: %v", err)
	}

	got, _ := s.GetDeal(ctx, d.Address)
	if got.Status != StatusCancelled || got.FundedAmount != 0 {
		t.Fatalf("terminal deal mutated: %+v", got)
	}
}

func TestTransitionAuthorization(t *testing.T) {
	const amount = 5_000
	s, _, studio, celebrity := newFixture(t, 0, amount)
	ctx := context.Background()
	stranger, _ := s.CreateWallet(ctx, amount)

	d, _ := s.CreateDeal(ctx, studio.Address, celebrity.Address, defaultTerms(amount), "Guarded", "")

	if _, err := s.AcceptDeal(ctx, d.Address, studio.Address); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("studio accepting own proposal: %v", err)
	}
	if _, err := s.CancelDeal(ctx, d.Address, celebrity.Address); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("celebrity cancelling: %v", err)
	}
	if _, err := s.AcceptDeal(ctx, d.Address, celebrity.Address); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FundDeal(ctx, d.Address, stranger.Address, amount); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger funding: %v", err)
	}
	if _, err := s.FundDeal(ctx, d.Address, studio.Address, amount); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteDeal(ctx, d.Address, celebrity.Address); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("celebrity completing: %v", err)
	}
}

func TestCreateDealValidation(t *testing.T) {
	s, _, studio, celebrity := newFixture(t, 0, 0)
	ctx := context.Background()

	cases := []struct {
		name  string
		terms DealTerms
		deal  string
		desc  string
		want  error
	}{
		{"zero amount", DealTerms{PaymentAmount: 0, DurationDays: 1, UsageRights: UsageFull}, "x", "", ErrInvalidAmount},
		{"zero duration", DealTerms{PaymentAmount: 1, DurationDays: 0, UsageRights: UsageFull}, "x", "", ErrInvalidDuration},
		{"bad rights", DealTerms{PaymentAmount: 1, DurationDays: 1, UsageRights: "everything"}, "x", "", ErrInvalidUsageRights},
		{"long name", defaultTerms(1), string(make([]byte, MaxNameLen+1)), "", ErrNameTooLong},
		{"long description", defaultTerms(1), "x", string(make([]byte, MaxDescriptionLen+1)), ErrDescriptionTooLong},
	}
	for _, tc := range cases {
		if _, err := s.CreateDeal(ctx, studio.Address, celebrity.Address, tc.terms, tc.deal, tc.desc); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}

	if got, _ := s.GetPlatform(ctx); got.TotalDeals != 0 {
		t.Fatalf("counter bumped on failed creation: %d", got.TotalDeals)
	}
}

func TestInitializeOnce(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.InitializePlatform(ctx, "GAUTH", 250); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InitializePlatform(ctx, "GOTHER", 100); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestConcurrentCreatesDistinctIndices(t *testing.T) {
	s, p, studio, celebrity := newFixture(t, 250, 0)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	dealCh := make(chan Deal, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.CreateDeal(ctx, studio.Address, celebrity.Address, defaultTerms(1_000), "Concurrent", "")
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			dealCh <- d
		}()
	}
	wg.Wait()
	close(dealCh)

	indices := map[uint64]bool{}
	addrs := map[string]bool{}
	for d := range dealCh {
		if indices[d.Index] {
			t.Fatalf("duplicate index %d", d.Index)
		}
		if addrs[d.Address] {
			t.Fatalf("duplicate address %s", d.Address)
		}
		indices[d.Index] = true
		addrs[d.Address] = true
	}
	if len(indices) != n {
		t.Fatalf("expected %d deals, got %d", n, len(indices))
	}

	got, _ := s.GetPlatform(ctx)
	if got.TotalDeals != p.TotalDeals+n {
		t.Fatalf("total_deals = %d, want %d", got.TotalDeals, p.TotalDeals+n)
	}
}

func TestSettlementConservesTotalSupply(t *testing.T) {
	const amount = 999_999_937 // awkward split on purpose
	s, p, studio, celebrity := newFixture(t, 333, amount)
	ctx := context.Background()

	d, _ := s.CreateDeal(ctx, studio.Address, celebrity.Address, defaultTerms(amount), "Odd split", "")
	_, _ = s.AcceptDeal(ctx, d.Address, celebrity.Address)
	_, _ = s.FundDeal(ctx, d.Address, studio.Address, amount)
	st, err := s.CompleteDeal(ctx, d.Address, studio.Address)
	if err != nil {
		t.Fatal(err)
	}
	if st.FeeAmount+st.CelebrityAmount != amount {
		t.Fatalf("%d + %d != %d", st.FeeAmount, st.CelebrityAmount, amount)
	}

	var total uint64
	for _, addr := range []string{studio.Address, celebrity.Address, p.Authority} {
		bal, _ := s.GetBalance(ctx, addr)
		total += bal
	}
	if total != amount {
		t.Fatalf("supply not conserved: %d != %d", total, amount)
	}
}

func TestListDealsPagination(t *testing.T) {
	s, _, studio, celebrity := newFixture(t, 0, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.CreateDeal(ctx, studio.Address, celebrity.Address, defaultTerms(1), "Page", ""); err != nil {
			t.Fatal(err)
		}
	}

	first, next, err := s.ListDeals(ctx, 2, 0)
	if err != nil || len(first) != 2 || next != 2 {
		t.Fatalf("first page: %d items, next=%d, err=%v", len(first), next, err)
	}
	rest, next, err := s.ListDeals(ctx, 10, next)
	if err != nil || len(rest) != 3 || next != 5 {
		t.Fatalf("second page: %d items, next=%d, err=%v", len(rest), next, err)
	}
	if first[0].Index != 0 || rest[0].Index != 2 {
		t.Fatalf("pagination out of order: %d, %d", first[0].Index, rest[0].Index)
	}
}
