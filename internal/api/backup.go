package api

import (
	"fmt"
	"net/http"
	"time"
)

// @Title: Create Backup
// @Route: POST /api/backups/create
// @Description: Write a timestamped copy of the ledger database and prune old copies
// @Response: {"status": "ok", "path": "..."}
func (s *Service) HandleBackupCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	backupPath, err := s.store.BackupCurrent(s.maxBackups)
	if err != nil {
		s.logger.Error("failed to create backup", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to save backup")
		return
	}

	s.logger.Info("created ledger backup", "path", backupPath)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"path":   backupPath,
	})
}

// @Title: List Backups
// @Route: GET /api/backups/list
// @Description: List all available backup files, newest first
// @Response: [{"path": "...", "name": "...", "timestamp": "..."}]
func (s *Service) HandleBackupsList(w http.ResponseWriter, r *http.Request) {
	backups, err := s.store.ListBackups()
	if err != nil {
		s.logger.Error("failed to list backups", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read backups")
		return
	}

	// store lists oldest first
	for i, j := 0, len(backups)-1; i < j; i, j = i+1, j-1 {
		backups[i], backups[j] = backups[j], backups[i]
	}
	s.writeJSON(w, http.StatusOK, backups)
}

// @Title: Download Ledger
// @Route: GET /api/ledger/export
// @Description: Download a consistent copy of the ledger database
// @Response: application/octet-stream file download
func (s *Service) HandleLedgerExport(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.store.ExportSnapshot()
	if err != nil {
		s.logger.Error("failed to export ledger", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to export ledger")
		return
	}

	filename := fmt.Sprintf("cbank-ledger-%s.db", time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	w.Write(snapshot)
	s.logger.Info("served ledger download", "file", filename)
}
