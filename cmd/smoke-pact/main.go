package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"sonicpact.io/internal/pact"
	"sonicpact.io/internal/store/pg"
)

// Runs one full deal lifecycle against the engine and checks that settlement
// conserves total supply. With SONICPACT_PG_DSN set it exercises the Postgres
// store, otherwise the in-memory engine.
func main() {
	var engine pact.Service
	if dsn := os.Getenv("SONICPACT_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		engine = store
	} else {
		engine = pact.NewInMemory()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const (
		feeBps = uint64(250)
		amount = uint64(1_000_000_000)
	)

	platform, err := engine.InitializePlatform(ctx, "smoke-authority", feeBps)
	if err != nil {
		log.Fatalf("initialize platform: %v", err)
	}

	studio, err := engine.CreateWallet(ctx, 2*amount)
	if err != nil {
		log.Fatalf("create studio wallet: %v", err)
	}
	celebrity, err := engine.CreateWallet(ctx, 0)
	if err != nil {
		log.Fatalf("create celebrity wallet: %v", err)
	}

	deal, err := engine.CreateDeal(ctx, studio.Address, celebrity.Address, pact.DealTerms{
		PaymentAmount: amount,
		DurationDays:  30,
		UsageRights:   pact.UsageLimited,
		Exclusivity:   true,
	}, "Smoke campaign", "End-to-end lifecycle check")
	if err != nil {
		log.Fatalf("create deal: %v", err)
	}

	if _, err := engine.AcceptDeal(ctx, deal.Address, celebrity.Address); err != nil {
		log.Fatalf("accept deal: %v", err)
	}
	if _, err := engine.FundDeal(ctx, deal.Address, studio.Address, amount); err != nil {
		log.Fatalf("fund deal: %v", err)
	}
	st, err := engine.CompleteDeal(ctx, deal.Address, studio.Address)
	if err != nil {
		log.Fatalf("complete deal: %v", err)
	}

	if st.FeeAmount+st.CelebrityAmount != amount {
		log.Fatalf("settlement does not conserve: fee=%d payout=%d", st.FeeAmount, st.CelebrityAmount)
	}

	studioBal, err := engine.GetBalance(ctx, studio.Address)
	if err != nil {
		log.Fatalf("studio balance: %v", err)
	}
	celebrityBal, err := engine.GetBalance(ctx, celebrity.Address)
	if err != nil {
		log.Fatalf("celebrity balance: %v", err)
	}
	authorityBal, err := engine.GetBalance(ctx, platform.Authority)
	if err != nil {
		log.Fatalf("authority balance: %v", err)
	}
	vaultBal, err := engine.VaultBalance(ctx, deal.Address)
	if err != nil {
		log.Fatalf("vault balance: %v", err)
	}

	total := studioBal + celebrityBal + authorityBal + vaultBal
	if total != 2*amount {
		log.Fatalf("supply conservation failed: total=%d want=%d", total, 2*amount)
	}
	if vaultBal != 0 {
		log.Fatalf("vault not drained: %d", vaultBal)
	}
	if celebrityBal != st.CelebrityAmount || authorityBal != st.FeeAmount {
		log.Fatalf("unexpected payouts: celebrity=%d authority=%d", celebrityBal, authorityBal)
	}

	fmt.Printf("✅ pact smoke test passed: deal=%s fee=%d payout=%d credential=%s\n",
		deal.Address, st.FeeAmount, st.CelebrityAmount, st.Credential.ID)
}
