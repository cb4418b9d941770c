package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"custody.mini/cbank/internal/app"
	"custody.mini/cbank/internal/identity"
	"custody.mini/cbank/internal/ledger"
)

const maxTxBytes = 64 << 10

// @Title: Submit Transaction
// @Route: POST /api/tx
// @Description: Executes a signed deposit or withdraw transaction
// @Response: {"code": 0, "hash": "...", "record": {...}}
func (s *Service) HandleSubmitTx(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "transaction too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if resp := s.app.CheckTx(body); !resp.IsOK() {
		s.writeResponse(w, resp)
		return
	}

	resp, err := s.app.Submit(r.Context(), body)
	if err != nil {
		s.logger.Warn("transaction not executed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeResponse(w, resp)
}

// @Title: Get Balance
// @Route: GET /api/balance?identity=<hex>
// @Description: Returns the balance held for an identity; unknown identities hold 0
// @Response: {"identity": "...", "balance": 0}
func (s *Service) HandleBalance(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("identity")
	if _, err := identity.ParseAddress(id); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeQuery(w, "balance/"+id)
}

// @Title: Get Stats
// @Route: GET /api/stats
// @Description: Returns capacity, total custodied value and the deposit and withdrawal counters
// @Response: {"capacity": 0, "total_custodied": 0, "deposit_count": 0, "withdrawal_count": 0}
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	s.writeQuery(w, "stats")
}

func (s *Service) writeQuery(w http.ResponseWriter, path string) {
	resp := s.app.Query(path)
	if !resp.IsOK() {
		s.writeResponse(w, resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Value)
}

// @Title: List Records
// @Route: GET /api/records?identity=<hex>&limit=50
// @Description: Returns committed deposit and withdrawal records, newest first
// @Response: [{"id": "...", "kind": "deposit", "identity": "...", "amount": 0, "balance": 0, "time": "..."}]
func (s *Service) HandleRecords(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("identity")
	if id != "" {
		if _, err := identity.ParseAddress(id); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	records, err := s.store.Records(id, limit)
	if err != nil {
		s.logger.Error("failed to read records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read records")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

// @Title: Unknown Route
// @Route: ANY /api/*
// @Description: Any other API path is an unsolicited call and is rejected as ZeroAmount
// @Response: {"code": 10, "kind": "ZeroAmount", "log": "..."}
func (s *Service) HandleUnknown(w http.ResponseWriter, r *http.Request) {
	// drain so clients that attached a body still get the rejection
	io.Copy(io.Discard, io.LimitReader(r.Body, maxTxBytes))

	err := ledger.Reject(ledger.KindZeroAmount, "", 0)
	s.logger.Warn("rejected call to unknown route", "method", r.Method, "path", r.URL.Path)
	s.writeResponse(w, app.Response{
		Code: app.CodeZeroAmount,
		Kind: ledger.KindZeroAmount.String(),
		Log:  err.Error(),
	})
}
