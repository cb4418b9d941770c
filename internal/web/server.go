// Package web implements the HTTP server of a cbank node. It mounts the JSON
// API, streams committed records and recent log messages over websockets,
// and serves the rendered operator documentation.
package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"custody.mini/cbank/internal/api"
	"custody.mini/cbank/internal/app"
	"custody.mini/cbank/internal/docs"
	"custody.mini/cbank/internal/logger"
	"custody.mini/cbank/internal/store"
	"custody.mini/cbank/internal/types"
)

const (
	recordHistory   = 20
	statusHistory   = 50
	shutdownTimeout = 5 * time.Second
)

// Server is the web server for the API, websockets and docs.
type Server struct {
	app        *app.Application
	store      *store.Store
	port       int
	templates  *template.Template
	logger     *logger.Logger
	apiService *api.Service
	docService *docs.Service
}

// Options configures a Server.
type Options struct {
	Port       int
	DocsDir    string
	NodeID     string
	MaxBackups int
}

// NewServer creates a new web server.
func NewServer(application *app.Application, st *store.Store, log *logger.Logger, opts Options) (*Server, error) {
	templates, err := parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		app:        application,
		store:      st,
		port:       opts.Port,
		templates:  templates,
		logger:     log.With("component", "web"),
		apiService: api.NewService(application, st, log, opts.NodeID, opts.MaxBackups),
		docService: docs.NewService(opts.DocsDir),
	}

	s.logger.Info("cbank server initialized", "port", opts.Port)
	return s, nil
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API routes (delegated to apiService)
	s.apiService.Register(mux)

	// WebSocket routes
	mux.HandleFunc("/ws/records", s.handleRecordsWS)
	mux.HandleFunc("/ws/status", s.handleStatusWS)

	// Docs
	mux.HandleFunc("/docs/", s.handleDocsView)

	return mux
}

// Run serves HTTP until ctx is done, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving API", "addr", fmt.Sprintf("http://localhost:%d", s.port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleDocsView lists the documents at /docs/ and renders one at
// /docs/<name>.
func (s *Server) handleDocsView(w http.ResponseWriter, r *http.Request) {
	s.setCacheHeaders(w)

	docName := strings.TrimPrefix(r.URL.Path, "/docs/")
	docList, err := s.docService.ListDocs()
	if err != nil {
		s.logger.Warn("failed to list docs", "error", err)
	}

	var docContent string
	if docName != "" {
		content, err := s.docService.GetDoc(r.Context(), docName)
		if err != nil {
			s.logger.Warn("failed to load doc", "doc", docName, "error", err)
			http.Error(w, "Document not found", http.StatusNotFound)
			return
		}
		docContent = content
	}

	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, "docs-view.html", DocsPage{
		CurrentVersion: types.Version,
		BuildTime:      types.BuildTime,
		DocList:        docList,
		DocContent:     template.HTML(docContent),
		CurrentDoc:     docName,
	}); err != nil {
		s.logger.Error("failed to execute docs template", "error", err)
		http.Error(w, "Failed to render view", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// handleRecordsWS streams committed records. The newest persisted records
// are sent first (oldest first), then every record as it commits.
func (s *Server) handleRecordsWS(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")

	// subscribe before reading history so no commit falls in between
	records, unsubscribe := s.app.Subscribe()
	defer unsubscribe()

	conn, ctx, cancel, err := upgrade(w, r)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer cancel()
	defer conn.Close()

	history, err := s.store.Records(identity, recordHistory)
	if err != nil {
		s.logger.Error("failed to read record history", "error", err)
	}
	seen := make(map[string]struct{}, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		seen[history[i].ID] = struct{}{}
		if err := conn.writeJSON(history[i]); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case rec, ok := <-records:
			if !ok {
				return
			}
			if identity != "" && rec.Identity != identity {
				continue
			}
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			if err := conn.writeJSON(rec); err != nil {
				return
			}
		}
	}
}

// handleStatusWS handles WebSocket connections for status bar messages and console logs
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, ctx, cancel, err := upgrade(w, r)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer cancel()
	defer conn.Close()

	// Send initial history; GetRecent returns newest first.
	initialLogs := s.logger.GetRecent(statusHistory)
	for i := len(initialLogs) - 1; i >= 0; i-- {
		if err := conn.writeJSON(initialLogs[i]); err != nil {
			return
		}
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	var lastLogTime time.Time
	if len(initialLogs) > 0 {
		lastLogTime = initialLogs[0].Timestamp
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-pinger.C:
			if err := conn.ping(); err != nil {
				return
			}
		case <-ticker.C:
			recent := s.logger.GetRecent(20)

			var newLogs []logger.Message
			for _, msg := range recent {
				if msg.Timestamp.After(lastLogTime) {
					newLogs = append(newLogs, msg)
				}
			}

			// Send new logs (oldest first)
			for i := len(newLogs) - 1; i >= 0; i-- {
				msg := newLogs[i]
				if err := conn.writeJSON(msg); err != nil {
					return
				}
				if msg.Timestamp.After(lastLogTime) {
					lastLogTime = msg.Timestamp
				}
			}
		}
	}
}

// setCacheHeaders sets cache-busting headers to prevent browser caching.
func (s *Server) setCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}
