package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/ledger"
	"settlement-engine/pkg/logging"
	"settlement-engine/pkg/progress"
	"settlement-engine/pkg/store"
)

type investmentView struct {
	*investment.Investment
	ExpectedReturn decimal.Decimal    `json:"expected_return"`
	Payout         decimal.Decimal    `json:"payout"`
	Progress       *progress.Snapshot `json:"progress,omitempty"`
	// Stale is set when the record could not be reconciled before display.
	Stale bool `json:"stale,omitempty"`
}

func newInvestmentView(inv *investment.Investment, now time.Time) investmentView {
	v := investmentView{
		Investment:     inv,
		ExpectedReturn: inv.Return(),
		Payout:         inv.Payout(),
	}
	if snap, err := progress.Take(inv, now); err == nil {
		v.Progress = &snap
	}
	return v
}

type productView struct {
	Name        string                `json:"name"`
	PeriodUnit  investment.PeriodUnit `json:"period_unit"`
	Period      int                   `json:"period"`
	ExpectedROI decimal.Decimal       `json:"expected_roi"`
	Minimum     decimal.Decimal       `json:"minimum"`
	Maximum     decimal.Decimal       `json:"maximum"`
	Scheduled   bool                  `json:"scheduled"`
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	products := s.deps.Ledger.Catalog().Products()
	out := make([]productView, 0, len(products))
	for _, p := range products {
		out = append(out, productView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	acc, err := s.deps.Ledger.OpenAccount(ctx, req.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, accountID string) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	acc, err := s.deps.Ledger.Account(ctx, accountID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// handleListInvestments shows persisted state and queues a reconcile for
// every open record so the next read is fresh.
func (s *Server) handleListInvestments(w http.ResponseWriter, r *http.Request, accountID string) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	list, err := s.deps.Ledger.Investments(ctx, accountID)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	now := s.deps.Engine.Now()
	out := make([]investmentView, 0, len(list))
	for _, inv := range list {
		if !inv.Status.IsTerminal() && s.deps.Dispatcher != nil {
			if err := s.deps.Dispatcher.Enqueue(ctx, inv.ID); err != nil {
				s.logger.Debug("reconcile not queued", logging.InvestmentID(inv.ID), zap.Error(err))
			}
		}
		out = append(out, newInvestmentView(inv, now))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetInvestment reconciles the record before display. If that fails the
// persisted state is shown and marked stale.
func (s *Server) handleGetInvestment(w http.ResponseWriter, r *http.Request, accountID string) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	inv, ok := s.ownedInvestment(w, r, accountID)
	if !ok {
		return
	}

	now := s.deps.Engine.Now()
	stale := false
	if !inv.Status.IsTerminal() {
		res, err := s.deps.Engine.ReconcileByID(ctx, inv.ID, now)
		switch {
		case err != nil:
			stale = true
			s.logger.Warn("reconcile before display failed",
				logging.InvestmentID(inv.ID),
				zap.String("outcome", string(res.Outcome)),
				zap.Error(err),
			)
		case res.Current != inv.Status:
			if fresh, err := s.deps.Engine.Store().GetInvestment(ctx, inv.ID); err == nil {
				inv = fresh
			} else {
				stale = true
			}
		}
	}

	v := newInvestmentView(inv, now)
	v.Stale = stale
	writeJSON(w, http.StatusOK, v)
}

// handleProgress is read-only.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, accountID string) {
	inv, ok := s.ownedInvestment(w, r, accountID)
	if !ok {
		return
	}
	snap, err := progress.Take(inv, s.deps.Engine.Now())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"investment_id": inv.ID,
		"status":        inv.Status,
		"progress":      snap,
	})
}

// ownedInvestment loads the {id} route variable and hides other owners'
// records behind a 404.
func (s *Server) ownedInvestment(w http.ResponseWriter, r *http.Request, accountID string) (*investment.Investment, bool) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	id := mux.Vars(r)["id"]
	inv, err := s.deps.Engine.Store().GetInvestment(ctx, id)
	if err == nil && inv.OwnerID != accountID {
		err = store.ErrNotFound
	}
	if err != nil {
		s.writeErr(w, err)
		return nil, false
	}
	return inv, true
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request, accountID string) {
	var req struct {
		Product   string          `json:"product"`
		Amount    decimal.Decimal `json:"amount"`
		StartTime *time.Time      `json:"start_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	inv, err := s.deps.Ledger.Purchase(ctx, ledger.PurchaseRequest{
		AccountID: accountID,
		Product:   req.Product,
		Amount:    req.Amount,
		StartTime: req.StartTime,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newInvestmentView(inv, s.deps.Engine.Now()))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, accountID string) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.deps.Ledger.Withdraw(ctx, accountID, req.Amount); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeAccount(w, r, accountID)
}

// handleDeposit is the payment gateway's confirmed-amount callback.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string          `json:"account_id"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.deps.Ledger.ConfirmDeposit(ctx, req.AccountID, req.Amount); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeAccount(w, r, req.AccountID)
}

func (s *Server) writeAccount(w http.ResponseWriter, r *http.Request, accountID string) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	acc, err := s.deps.Ledger.Account(ctx, accountID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// handleSweep runs one sweep inline. Sweeps are not bound by the request
// timeout.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper not configured")
		return
	}
	report, err := s.deps.Sweeper.Sweep(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}
