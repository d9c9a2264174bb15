package pg

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"sonicpact.io/internal/derive"
	"sonicpact.io/internal/ids"
	"sonicpact.io/internal/pact"
)

// Store implements pact.Service on Postgres. Every state transition runs in a
// serializable transaction and takes row locks in a stable order, so the
// platform counter and balance invariants hold under concurrent load exactly
// as they do for the in-memory engine.
type Store struct {
	db *sql.DB
}

var _ pact.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool. Used by tests and by callers that manage
// their own connection settings.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Amounts are stored in bigint columns. The engine works in uint64, so values
// beyond the signed range are rejected at the boundary instead of wrapping.
func toDB(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, pact.ErrArithmeticOverflow
	}
	return int64(v), nil
}

func (s *Store) InitializePlatform(ctx context.Context, authority string, feeRateBps uint64) (pact.Platform, error) {
	if authority == "" {
		return pact.Platform{}, pact.ErrUnauthorized
	}
	if feeRateBps > pact.MaxFeeRateBps {
		return pact.Platform{}, pact.ErrFeeTooHigh
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return pact.Platform{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `select 1 from platform limit 1`).Scan(&exists)
	if err == nil {
		return pact.Platform{}, pact.ErrAlreadyInitialized
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return pact.Platform{}, err
	}

	addr := derive.Platform()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		insert into platform(address, authority, fee_rate_bps, total_deals, created_at, updated_at)
		values ($1,$2,$3,0,$4,$4)
	`, addr, authority, int64(feeRateBps), now); err != nil {
		return pact.Platform{}, err
	}
	if err := tx.Commit(); err != nil {
		return pact.Platform{}, err
	}

	return pact.Platform{
		Address:    addr,
		Authority:  authority,
		FeeRateBps: feeRateBps,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *Store) UpdatePlatformFee(ctx context.Context, signer string, feeRateBps uint64) (pact.Platform, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return pact.Platform{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var p pact.Platform
	var fee, total int64
	err = tx.QueryRowContext(ctx, `
		select address, authority, fee_rate_bps, total_deals, created_at
		from platform for update
	`).Scan(&p.Address, &p.Authority, &fee, &total, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pact.Platform{}, pact.ErrNotInitialized
	}
	if err != nil {
		return pact.Platform{}, err
	}
	if signer != p.Authority {
		return pact.Platform{}, pact.ErrUnauthorized
	}
	if feeRateBps > pact.MaxFeeRateBps {
		// Fee rate stays unchanged on failure.
		return pact.Platform{}, pact.ErrFeeTooHigh
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update platform set fee_rate_bps=$1, updated_at=$2 where address=$3
	`, int64(feeRateBps), now, p.Address); err != nil {
		return pact.Platform{}, err
	}
	if err := tx.Commit(); err != nil {
		return pact.Platform{}, err
	}

	p.FeeRateBps = feeRateBps
	p.TotalDeals = uint64(total)
	p.UpdatedAt = now
	return p, nil
}

func (s *Store) GetPlatform(ctx context.Context) (pact.Platform, error) {
	var p pact.Platform
	var fee, total int64
	err := s.db.QueryRowContext(ctx, `
		select address, authority, fee_rate_bps, total_deals, created_at, updated_at
		from platform
	`).Scan(&p.Address, &p.Authority, &fee, &total, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pact.Platform{}, pact.ErrNotInitialized
	}
	if err != nil {
		return pact.Platform{}, err
	}
	p.FeeRateBps = uint64(fee)
	p.TotalDeals = uint64(total)
	return p, nil
}

func (s *Store) CreateWallet(ctx context.Context, initial uint64) (pact.Wallet, error) {
	bal, err := toDB(initial)
	if err != nil {
		return pact.Wallet{}, err
	}
	addr, err := derive.NewWalletAddress()
	if err != nil {
		return pact.Wallet{}, err
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		insert into wallets(address, balance, created_at) values ($1,$2,$3)
	`, addr, bal, now); err != nil {
		return pact.Wallet{}, err
	}
	return pact.Wallet{Address: addr, Balance: initial, CreatedAt: now}, nil
}

func (s *Store) GetBalance(ctx context.Context, address string) (uint64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `select balance from wallets where address=$1`, address).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, pact.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return uint64(bal), nil
}

func (s *Store) CreateDeal(ctx context.Context, signer, celebrity string, terms pact.DealTerms, name, description string) (pact.Deal, error) {
	if signer == "" || celebrity == "" {
		return pact.Deal{}, pact.ErrUnauthorized
	}
	if err := terms.Validate(); err != nil {
		return pact.Deal{}, err
	}
	if len(name) > pact.MaxNameLen {
		return pact.Deal{}, pact.ErrNameTooLong
	}
	if len(description) > pact.MaxDescriptionLen {
		return pact.Deal{}, pact.ErrDescriptionTooLong
	}
	amount, err := toDB(terms.PaymentAmount)
	if err != nil {
		return pact.Deal{}, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return pact.Deal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// The platform row lock serializes index assignment.
	var platformAddr string
	var total int64
	err = tx.QueryRowContext(ctx, `
		select address, total_deals from platform for update
	`).Scan(&platformAddr, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return pact.Deal{}, pact.ErrNotInitialized
	}
	if err != nil {
		return pact.Deal{}, err
	}

	index := uint64(total)
	newTotal, err := pact.AddChecked(index, 1)
	if err != nil {
		return pact.Deal{}, err
	}
	ntDB, err := toDB(newTotal)
	if err != nil {
		return pact.Deal{}, err
	}
	addr := derive.Deal(platformAddr, index)
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		insert into deals(address, idx, platform, studio, celebrity,
			payment_amount, duration_days, usage_rights, exclusivity,
			name, description, status, funded_amount, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,$13,$13)
	`, addr, int64(index), platformAddr, signer, celebrity,
		amount, int64(terms.DurationDays), string(terms.UsageRights), terms.Exclusivity,
		name, description, string(pact.StatusProposed), now); err != nil {
		return pact.Deal{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update platform set total_deals=$1, updated_at=$2 where address=$3
	`, ntDB, now, platformAddr); err != nil {
		return pact.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return pact.Deal{}, err
	}

	return pact.Deal{
		Address:     addr,
		Index:       index,
		Platform:    platformAddr,
		Studio:      signer,
		Celebrity:   celebrity,
		Terms:       terms,
		Name:        name,
		Description: description,
		Status:      pact.StatusProposed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const dealColumns = `address, idx, platform, studio, celebrity,
	payment_amount, duration_days, usage_rights, exclusivity,
	name, description, status, funded_amount, created_at, updated_at`

type dealScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row dealScanner) (pact.Deal, error) {
	var d pact.Deal
	var idx, amount, duration, funded int64
	var rights, status string
	err := row.Scan(&d.Address, &idx, &d.Platform, &d.Studio, &d.Celebrity,
		&amount, &duration, &rights, &d.Terms.Exclusivity,
		&d.Name, &d.Description, &status, &funded, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return pact.Deal{}, err
	}
	d.Index = uint64(idx)
	d.Terms.PaymentAmount = uint64(amount)
	d.Terms.DurationDays = uint16(duration)
	d.Terms.UsageRights = pact.UsageRights(rights)
	d.Status = pact.DealStatus(status)
	d.FundedAmount = uint64(funded)
	// The stored address must still match the derivation before anything
	// trusts the row.
	if derive.Deal(d.Platform, d.Index) != d.Address {
		return pact.Deal{}, pact.ErrAddressMismatch
	}
	return d, nil
}

func (s *Store) GetDeal(ctx context.Context, address string) (pact.Deal, error) {
	d, err := scanDeal(s.db.QueryRowContext(ctx,
		`select `+dealColumns+` from deals where address=$1`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return pact.Deal{}, pact.ErrNotFound
	}
	return d, err
}

func (s *Store) ListDeals(ctx context.Context, limit int, startIndex uint64) ([]pact.Deal, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	start, err := toDB(startIndex)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+dealColumns+` from deals
		where idx >= $1 order by idx asc limit $2
	`, start, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []pact.Deal
	var next uint64
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, d)
		next = d.Index + 1
	}
	return res, next, rows.Err()
}

// lockDeal selects a deal row FOR UPDATE inside tx.
func lockDeal(ctx context.Context, tx *sql.Tx, address string) (pact.Deal, error) {
	d, err := scanDeal(tx.QueryRowContext(ctx,
		`select `+dealColumns+` from deals where address=$1 for update`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return pact.Deal{}, pact.ErrNotFound
	}
	return d, err
}

func setDealStatus(ctx context.Context, tx *sql.Tx, address string, status pact.DealStatus, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		update deals set status=$1, updated_at=$2 where address=$3
	`, string(status), now, address)
	return err
}

// creditWallet adds to a wallet balance, creating the row when the payout
// destination has never been seen.
func creditWallet(ctx context.Context, tx *sql.Tx, address string, amount int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		insert into wallets(address, balance, created_at)
		values ($1,$2,$3)
		on conflict (address) do update set balance = wallets.balance + excluded.balance
	`, address, amount, now)
	return err
}

func (s *Store) AcceptDeal(ctx context.Context, address, signer string) (pact.Deal, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return pact.Deal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockDeal(ctx, tx, address)
	if err != nil {
		return pact.Deal{}, err
	}
	if d.Status != pact.StatusProposed {
		return pact.Deal{}, pact.ErrInvalidDealStatus
	}
	if signer != d.Celebrity {
		return pact.Deal{}, pact.ErrUnauthorized
	}

	now := time.Now().UTC()
	if err := setDealStatus(ctx, tx, address, pact.StatusAccepted, now); err != nil {
		return pact.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return pact.Deal{}, err
	}
	d.Status = pact.StatusAccepted
	d.UpdatedAt = now
	return d, nil
}

func (s *Store) FundDeal(ctx context.Context, address, signer string, amount uint64) (pact.Deal, error) {
	amt, err := toDB(amount)
	if err != nil {
		return pact.Deal{}, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return pact.Deal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockDeal(ctx, tx, address)
	if err != nil {
		return pact.Deal{}, err
	}
	if d.Status != pact.StatusAccepted {
		return pact.Deal{}, pact.ErrInvalidDealStatus
	}
	if signer != d.Studio {
		return pact.Deal{}, pact.ErrUnauthorized
	}
	// Exact funding only; no accumulation across calls.
	if amount != d.Terms.PaymentAmount {
		return pact.Deal{}, pact.ErrInsufficientFunds
	}

	var bal int64
	err = tx.QueryRowContext(ctx, `
		select balance from wallets where address=$1 for update
	`, signer).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && bal < amt) {
		return pact.Deal{}, pact.ErrInsufficientFunds
	}
	if err != nil {
		return pact.Deal{}, err
	}

	now := time.Now().UTC()
	vault := derive.Vault(d.Address)
	if _, err := tx.ExecContext(ctx, `
		update wallets set balance = balance - $1 where address=$2
	`, amt, signer); err != nil {
		return pact.Deal{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into vaults(address, deal, balance)
		values ($1,$2,$3)
		on conflict (address) do update set balance = vaults.balance + excluded.balance
	`, vault, d.Address, amt); err != nil {
		return pact.Deal{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update deals set status=$1, funded_amount=$2, updated_at=$3 where address=$4
	`, string(pact.StatusFunded), amt, now, address); err != nil {
		return pact.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return pact.Deal{}, err
	}

	d.Status = pact.StatusFunded
	d.FundedAmount = amount
	d.UpdatedAt = now
	return d, nil
}

func (s *Store) CompleteDeal(ctx context.Context, address, signer string) (pact.Settlement, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return pact.Settlement{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockDeal(ctx, tx, address)
	if err != nil {
		return pact.Settlement{}, err
	}
	if d.Status != pact.StatusFunded {
		return pact.Settlement{}, pact.ErrInvalidDealStatus
	}
	if signer != d.Studio {
		return pact.Settlement{}, pact.ErrUnauthorized
	}

	var authority string
	var feeBps int64
	if err := tx.QueryRowContext(ctx, `
		select authority, fee_rate_bps from platform where address=$1
	`, d.Platform).Scan(&authority, &feeBps); err != nil {
		return pact.Settlement{}, err
	}

	vault := derive.Vault(d.Address)
	var vaultBal int64
	if err := tx.QueryRowContext(ctx, `
		select balance from vaults where address=$1 for update
	`, vault).Scan(&vaultBal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pact.Settlement{}, pact.ErrVaultImbalance
		}
		return pact.Settlement{}, err
	}
	if uint64(vaultBal) != d.FundedAmount {
		return pact.Settlement{}, pact.ErrVaultImbalance
	}

	fee, payout, err := pact.SplitFee(d.FundedAmount, uint64(feeBps))
	if err != nil {
		return pact.Settlement{}, err
	}
	feeDB, err := toDB(fee)
	if err != nil {
		return pact.Settlement{}, err
	}
	payoutDB, err := toDB(payout)
	if err != nil {
		return pact.Settlement{}, err
	}

	now := time.Now().UTC()
	if err := creditWallet(ctx, tx, d.Celebrity, payoutDB, now); err != nil {
		return pact.Settlement{}, err
	}
	if err := creditWallet(ctx, tx, authority, feeDB, now); err != nil {
		return pact.Settlement{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update vaults set balance = 0 where address=$1
	`, vault); err != nil {
		return pact.Settlement{}, err
	}

	cred := pact.Credential{
		ID:            ids.New(),
		Deal:          d.Address,
		Mint:          derive.Mint(d.Address),
		MintAuthority: derive.MintAuthority(d.Address),
		Owner:         d.Studio,
		MetadataURI:   pact.MetadataURI(d.Address),
		Metadata: pact.CredentialMetadata{
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
	if _, err := tx.ExecContext(ctx, `
		insert into credentials(deal, id, mint, mint_authority, owner, metadata_uri,
			deal_name, studio, celebrity, payment_amount, duration_days,
			usage_rights, exclusivity, completed_at, issued_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
	`, cred.Deal, cred.ID, cred.Mint, cred.MintAuthority, cred.Owner, cred.MetadataURI,
		cred.Metadata.DealName, cred.Metadata.Studio, cred.Metadata.Celebrity,
		toDBUnchecked(cred.Metadata.PaymentAmount), int64(cred.Metadata.DurationDays),
		string(cred.Metadata.UsageRights), cred.Metadata.Exclusivity, now); err != nil {
		return pact.Settlement{}, err
	}
	if err := setDealStatus(ctx, tx, address, pact.StatusCompleted, now); err != nil {
		return pact.Settlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return pact.Settlement{}, err
	}

	d.Status = pact.StatusCompleted
	d.UpdatedAt = now
	return pact.Settlement{
		Deal:            d,
		FeeAmount:       fee,
		CelebrityAmount: payout,
		FeeRecipient:    authority,
		Credential:      cred,
		CompletedAt:     now,
	}, nil
}

func (s *Store) CancelDeal(ctx context.Context, address, signer string) (pact.Deal, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return pact.Deal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockDeal(ctx, tx, address)
	if err != nil {
		return pact.Deal{}, err
	}
	if d.Status.Terminal() {
		return pact.Deal{}, pact.ErrInvalidDealStatus
	}
	if signer != d.Studio {
		return pact.Deal{}, pact.ErrUnauthorized
	}

	now := time.Now().UTC()
	if d.Status == pact.StatusFunded {
		vault := derive.Vault(d.Address)
		var vaultBal int64
		if err := tx.QueryRowContext(ctx, `
			select balance from vaults where address=$1 for update
		`, vault).Scan(&vaultBal); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return pact.Deal{}, pact.ErrVaultImbalance
			}
			return pact.Deal{}, err
		}
		if uint64(vaultBal) != d.FundedAmount {
			return pact.Deal{}, pact.ErrVaultImbalance
		}
		if err := creditWallet(ctx, tx, d.Studio, vaultBal, now); err != nil {
			return pact.Deal{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			update vaults set balance = 0 where address=$1
		`, vault); err != nil {
			return pact.Deal{}, err
		}
	}
	if err := setDealStatus(ctx, tx, address, pact.StatusCancelled, now); err != nil {
		return pact.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return pact.Deal{}, err
	}

	d.Status = pact.StatusCancelled
	d.UpdatedAt = now
	return d, nil
}

func (s *Store) GetCredential(ctx context.Context, deal string) (pact.Credential, error) {
	var c pact.Credential
	var amount, duration int64
	var rights string
	err := s.db.QueryRowContext(ctx, `
		select deal, id, mint, mint_authority, owner, metadata_uri,
			deal_name, studio, celebrity, payment_amount, duration_days,
			usage_rights, exclusivity, completed_at, issued_at
		from credentials where deal=$1
	`, deal).Scan(&c.Deal, &c.ID, &c.Mint, &c.MintAuthority, &c.Owner, &c.MetadataURI,
		&c.Metadata.DealName, &c.Metadata.Studio, &c.Metadata.Celebrity, &amount, &duration,
		&rights, &c.Metadata.Exclusivity, &c.Metadata.CompletedAt, &c.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pact.Credential{}, pact.ErrNotFound
	}
	if err != nil {
		return pact.Credential{}, err
	}
	c.Metadata.PaymentAmount = uint64(amount)
	c.Metadata.DurationDays = uint16(duration)
	c.Metadata.UsageRights = pact.UsageRights(rights)
	return c, nil
}

func (s *Store) VaultBalance(ctx context.Context, deal string) (uint64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(v.balance, 0)
		from deals d
		left join vaults v on v.deal = d.address
		where d.address = $1
	`, deal).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, pact.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return uint64(bal), nil
}

// toDBUnchecked is for values already range-checked upstream.
func toDBUnchecked(v uint64) int64 { return int64(v) }
