package api

import (
	"encoding/json"
	"net/http"

	"custody.mini/cbank/internal/app"
	"custody.mini/cbank/internal/logger"
	"custody.mini/cbank/internal/store"
)

// Service handles API requests
type Service struct {
	app        *app.Application
	store      *store.Store
	logger     *logger.Logger
	nodeID     string
	maxBackups int
}

// NewService creates a new API service
func NewService(application *app.Application, store *store.Store, logger *logger.Logger, nodeID string, maxBackups int) *Service {
	return &Service{
		app:        application,
		store:      store,
		logger:     logger.With("component", "api"),
		nodeID:     nodeID,
		maxBackups: maxBackups,
	}
}

// Register mounts every API route on mux. Paths under /api/ that match no
// route are answered by HandleUnknown.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.HandleHealth)
	mux.HandleFunc("/api/version", s.HandleVersion)
	mux.HandleFunc("/api/tx", s.HandleSubmitTx)
	mux.HandleFunc("/api/balance", s.HandleBalance)
	mux.HandleFunc("/api/stats", s.HandleStats)
	mux.HandleFunc("/api/records", s.HandleRecords)
	mux.HandleFunc("/api/backups/list", s.HandleBackupsList)
	mux.HandleFunc("/api/backups/create", s.HandleBackupCreate)
	mux.HandleFunc("/api/ledger/export", s.HandleLedgerExport)
	mux.HandleFunc("/api/", s.HandleUnknown)
}

// writeJSON writes a JSON response
func (s *Service) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Service) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeResponse writes an application response with the HTTP status that
// matches its code.
func (s *Service) writeResponse(w http.ResponseWriter, resp app.Response) {
	s.writeJSON(w, StatusForCode(resp.Code), resp)
}

// StatusForCode maps an application response code to an HTTP status.
func StatusForCode(code uint32) int {
	switch code {
	case app.CodeTypeOK:
		return http.StatusOK
	case app.CodeTypeEncodingError, app.CodeTypeInvalidTx:
		return http.StatusBadRequest
	case app.CodeTypeAuthError:
		return http.StatusUnauthorized
	case app.CodeTypeDuplicateTx, app.CodeReentrancy:
		return http.StatusConflict
	case app.CodeTransferFailed:
		return http.StatusBadGateway
	case app.CodeTypeUnavailable:
		return http.StatusServiceUnavailable
	case app.CodeZeroAmount, app.CodeDepositTooSmall, app.CodeBankCapExceeded,
		app.CodeExceedsWithdrawalLimit, app.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
