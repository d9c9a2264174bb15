package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"sonicpact.io/internal/derive"
	"sonicpact.io/internal/mirror"
	"sonicpact.io/internal/obs"
	"sonicpact.io/internal/pact"
)

type tokenRequest struct {
	Address string `json:"address"`
}

type initializePlatformRequest struct {
	Signer     string `json:"signer,omitempty"`
	FeeRateBps uint64 `json:"fee_rate_bps"`
}

type updateFeeRequest struct {
	Signer     string `json:"signer,omitempty"`
	FeeRateBps uint64 `json:"fee_rate_bps"`
}

type createWalletRequest struct {
	InitialBalance uint64 `json:"initial_balance"`
}

type createDealRequest struct {
	Signer      string         `json:"signer,omitempty"`
	Celebrity   string         `json:"celebrity"`
	Terms       pact.DealTerms `json:"terms"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
}

type transitionRequest struct {
	Signer string `json:"signer,omitempty"`
}

type fundDealRequest struct {
	Signer string `json:"signer,omitempty"`
	Amount uint64 `json:"amount"`
	// Vault is optional; when the caller names the vault account it must
	// match the derivation for this deal.
	Vault string `json:"vault,omitempty"`
}

type listDealsResponse struct {
	Items []pact.Deal `json:"items"`
	Next  uint64      `json:"next"`
}

// --- auth ---

// handleToken issues a bearer token for a wallet address. Bootstrap/dev
// endpoint: production deployments front this with their own identity flow.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authentication disabled")
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, r, http.StatusBadRequest, "address is required")
		return
	}
	token, expires, err := a.tokens.IssueToken(req.Address)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expires,
	})
}

// --- platform ---

func (a *API) handlePlatform(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p, err := a.engine.GetPlatform(r.Context())
		if err != nil {
			handlePactError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPost:
		a.initializePlatform(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) initializePlatform(w http.ResponseWriter, r *http.Request) {
	var req initializePlatformRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signer, err := a.signerFrom(r, req.Signer)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	p, err := a.engine.InitializePlatform(r.Context(), signer, req.FeeRateBps)
	if err != nil {
		handlePactError(w, r, err)
		return
	}

	a.publishPlatform(mirror.EventPlatformInitialized, p)
	a.audit(r.Context(), "platform.initialize", "platform", p.Address, map[string]string{
		"fee_rate_bps": strconv.FormatUint(p.FeeRateBps, 10),
	})
	w.Header().Set("Location", "/v1/platform")
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handlePlatformFee(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req updateFeeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signer, err := a.signerFrom(r, req.Signer)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	p, err := a.engine.UpdatePlatformFee(r.Context(), signer, req.FeeRateBps)
	if err != nil {
		handlePactError(w, r, err)
		return
	}

	a.publishPlatform(mirror.EventPlatformFeeUpdated, p)
	a.audit(r.Context(), "platform.update_fee", "platform", p.Address, map[string]string{
		"fee_rate_bps": strconv.FormatUint(p.FeeRateBps, 10),
	})
	writeJSON(w, http.StatusOK, p)
}

// --- wallets ---

func (a *API) handleWalletsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createWalletRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := a.engine.CreateWallet(r.Context(), req.InitialBalance)
	if err != nil {
		handlePactError(w, r, err)
		return
	}
	a.audit(r.Context(), "wallet.create", "wallet", wallet.Address, map[string]string{
		"initial_balance": strconv.FormatUint(req.InitialBalance, 10),
	})
	w.Header().Set("Location", "/v1/wallets/"+wallet.Address)
	writeJSON(w, http.StatusCreated, wallet)
}

func (a *API) handleWalletResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/wallets/")
	addr, ok := strings.CutSuffix(path, "/balance")
	addr = strings.TrimSuffix(addr, "/")
	if !ok || addr == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	balance, err := a.engine.GetBalance(r.Context(), addr)
	if err != nil {
		handlePactError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr,
		"balance": balance,
	})
}

// --- deals ---

func (a *API) handleDealsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listDeals(w, r)
	case http.MethodPost:
		a.createDeal(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listDeals(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}
	var start uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("start")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "start must be a non-negative integer")
			return
		}
		start = v
	}

	items, next, err := a.engine.ListDeals(r.Context(), limit, start)
	if err != nil {
		handlePactError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listDealsResponse{Items: items, Next: next})
}

func (a *API) createDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signer, err := a.signerFrom(r, req.Signer)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Celebrity) == "" {
		writeError(w, r, http.StatusBadRequest, "celebrity is required")
		return
	}

	deal, err := a.engine.CreateDeal(r.Context(), signer, req.Celebrity, req.Terms, req.Name, req.Description)
	if err != nil {
		handlePactError(w, r, err)
		return
	}

	a.publishDeal(mirror.EventDealCreated, deal, 0, 0)
	obs.RecordTransition(string(deal.Status))
	a.audit(r.Context(), "deal.create", "deal", deal.Address, map[string]string{
		"celebrity":      deal.Celebrity,
		"payment_amount": strconv.FormatUint(deal.Terms.PaymentAmount, 10),
		"index":          strconv.FormatUint(deal.Index, 10),
	})
	w.Header().Set("Location", "/v1/deals/"+deal.Address)
	writeJSON(w, http.StatusCreated, deal)
}

func (a *API) handleDealResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/deals/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	addr, action, _ := strings.Cut(path, "/")
	if addr == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		switch action {
		case "":
			a.getDeal(w, r, addr)
		case "vault":
			a.getVault(w, r, addr)
		case "credential":
			a.getCredential(w, r, addr)
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	case http.MethodPost:
		switch action {
		case "accept":
			a.acceptDeal(w, r, addr)
		case "fund":
			a.fundDeal(w, r, addr)
		case "complete":
			a.completeDeal(w, r, addr)
		case "cancel":
			a.cancelDeal(w, r, addr)
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) getDeal(w http.ResponseWriter, r *http.Request, addr string) {
	deal, err := a.engine.GetDeal(r.Context(), addr)
	if err != nil {
		handlePactError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deal)
}

func (a *API) getVault(w http.ResponseWriter, r *http.Request, addr string) {
	balance, err := a.engine.VaultBalance(r.Context(), addr)
	if err != nil {
		handlePactError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deal":    addr,
		"vault":   derive.Vault(addr),
		"balance": balance,
	})
}

func (a *API) getCredential(w http.ResponseWriter, r *http.Request, addr string) {
	cred, err := a.engine.GetCredential(r.Context(), addr)
	if err != nil {
		handlePactError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (a *API) acceptDeal(w http.ResponseWriter, r *http.Request, addr string) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signer, err := a.signerFrom(r, req.Signer)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	deal, err := a.engine.AcceptDeal(r.Context(), addr, signer)
	if err != nil {
		handlePactError(w, r, err)
		return
	}

	a.publishDeal(mirror.EventDealAccepted, deal, 0, 0)
	obs.RecordTransition(string(deal.Status))
	a.audit(r.Context(), "deal.accept", "deal", deal.Address, nil)
	writeJSON(w, http.StatusOK, deal)
}

func (a *API) fundDeal(w http.ResponseWriter, r *http.Request, addr string) {
	var req fundDealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signer, err := a.signerFrom(r, req.Signer)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// A caller-supplied vault account must match the derivation exactly.
	if req.Vault != "" && req.Vault != derive.Vault(addr) {
		handlePactError(w, r, pact.ErrAddressMismatch)
		return
	}

	deal, err := a.engine.FundDeal(r.Context(), addr, signer, req.Amount)
	if err != nil {
		handlePactError(w, r, err)
		return
	}

	a.publishDeal(mirror.EventDealFunded, deal, 0, 0)
	obs.RecordTransition(string(deal.Status))
	obs.EscrowLockedAdd(float64(deal.FundedAmount))
	a.audit(r.Context(), "deal.fund", "deal", deal.Address, map[string]string{
		"amount": strconv.FormatUint(req.Amount, 10),
	})
	writeJSON(w, http.StatusOK, deal)
}

func (a *API) completeDeal(w http.ResponseWriter, r *http.Request, addr string) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signer, err := a.signerFrom(r, req.Signer)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	st, err := a.engine.CompleteDeal(r.Context(), addr, signer)
	if err != nil {
		handlePactError(w, r, err)
		return
	}

	a.publishDeal(mirror.EventDealCompleted, st.Deal, st.FeeAmount, st.CelebrityAmount)
	obs.RecordTransition(string(st.Deal.Status))
	obs.RecordSettlement(st.CelebrityAmount, st.FeeAmount)
	obs.EscrowLockedAdd(-float64(st.Deal.FundedAmount))
	a.audit(r.Context(), "deal.complete", "deal", st.Deal.Address, map[string]string{
		"fee_amount":       strconv.FormatUint(st.FeeAmount, 10),
		"celebrity_amount": strconv.FormatUint(st.CelebrityAmount, 10),
		"credential":       st.Credential.ID,
	})
	writeJSON(w, http.StatusOK, st)
}

func (a *API) cancelDeal(w http.ResponseWriter, r *http.Request, addr string) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signer, err := a.signerFrom(r, req.Signer)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	deal, err := a.engine.CancelDeal(r.Context(), addr, signer)
	if err != nil {
		handlePactError(w, r, err)
		return
	}

	a.publishDeal(mirror.EventDealCancelled, deal, 0, 0)
	obs.RecordTransition(string(deal.Status))
	if deal.FundedAmount > 0 {
		// A funded cancellation refunded the vault.
		obs.EscrowLockedAdd(-float64(deal.FundedAmount))
	}
	a.audit(r.Context(), "deal.cancel", "deal", deal.Address, map[string]string{
		"refunded": strconv.FormatUint(deal.FundedAmount, 10),
	})
	writeJSON(w, http.StatusOK, deal)
}

// handleMirrorDeals serves the eventually consistent read model. It is for
// display only; nothing here participates in authorization or settlement.
func (a *API) handleMirrorDeals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.projection == nil {
		writeError(w, r, http.StatusServiceUnavailable, "mirror disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":        a.projection.Deals(),
		"refreshed_at": a.projection.RefreshedAt(),
	})
}

// --- mirror publication ---

func (a *API) publishDeal(t mirror.EventType, deal pact.Deal, fee, celebrity uint64) {
	if a.stream == nil {
		return
	}
	evt := mirror.NewEvent(t)
	evt.Deal = &deal
	evt.FeeAmount = fee
	evt.CelebrityAmount = celebrity
	a.stream.Publish(evt)
}

func (a *API) publishPlatform(t mirror.EventType, p pact.Platform) {
	if a.stream == nil {
		return
	}
	evt := mirror.NewEvent(t)
	evt.Platform = &p
	a.stream.Publish(evt)
}
