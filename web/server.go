// ABOUTME: HTTP server hosting the Google push endpoint, health check and status page
// ABOUTME: Status page renders from embedded templates; shuts down gracefully on context cancel
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/harperreed/compass-sync/db"
	"github.com/harperreed/compass-sync/models"
)

// NotificationPath is where Google delivers push notifications.
const NotificationPath = "/webhooks/google-calendar"

const shutdownTimeout = 10 * time.Second

//go:embed templates/*
var templatesFS embed.FS

// StateSource lists per-calendar sync states.
type StateSource interface {
	GetAllSyncStates(ctx context.Context) ([]db.SyncState, error)
}

// ChannelSource lists active watch channels.
type ChannelSource interface {
	ListAll(ctx context.Context) ([]*models.WatchChannel, error)
}

// Server serves the notification intake next to a read-only status page.
type Server struct {
	intake    http.Handler
	states    StateSource
	channels  ChannelSource
	templates *template.Template
	logger    *log.Logger
	now       func() time.Time
}

func NewServer(intake http.Handler, states StateSource, channels ChannelSource, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}

	funcMap := template.FuncMap{
		"since": func(now time.Time, t *time.Time) string {
			if t == nil {
				return "never"
			}
			return now.Sub(*t).Round(time.Second).String() + " ago"
		},
		"until": func(now, t time.Time) string {
			if !now.Before(t) {
				return "expired"
			}
			return "in " + t.Sub(now).Round(time.Minute).String()
		},
	}

	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	return &Server{
		intake:    intake,
		states:    states,
		channels:  channels,
		templates: tmpl,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(NotificationPath, s.intake)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleStatus)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down,
// letting in-flight requests finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web server shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusView struct {
	Now      time.Time
	States   []db.SyncState
	Channels []*models.WatchChannel
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	states, err := s.states.GetAllSyncStates(r.Context())
	if err != nil {
		s.logger.Error("failed to load sync states", "err", err)
		http.Error(w, "failed to load sync states", http.StatusInternalServerError)
		return
	}
	channels, err := s.channels.ListAll(r.Context())
	if err != nil {
		s.logger.Error("failed to load watch channels", "err", err)
		http.Error(w, "failed to load watch channels", http.StatusInternalServerError)
		return
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Expiration.Before(channels[j].Expiration) })

	s.render(w, "status.html", statusView{Now: s.now(), States: states, Channels: channels})
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("template error", "template", name, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
