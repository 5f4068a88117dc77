package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/rangeguard/internal/auth"
	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/monitor"
	"github.com/rovshanmuradov/rangeguard/internal/neynar"
	"github.com/rovshanmuradov/rangeguard/internal/zapper"
)

type healthResponse struct {
	Status      string        `json:"status"`
	Connections int           `json:"connections"`
	Registry    monitor.Stats `json:"registry"`
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/positions/out-of-range", s.handleOutOfRange).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/notifications", s.handleNotifications).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/wallets", s.withSession(s.handleWallets)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/portfolio", s.withSession(s.handlePortfolio)).Methods(http.MethodGet, http.MethodOptions)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.ConnectionCount(),
		Registry:    s.registry.Stats(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetAllPositions())
}

func (s *Server) handleOutOfRange(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetOutOfRangePositions())
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	status := domain.NotificationStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		writeJSON(w, http.StatusOK, s.notifier.GetAllNotifications())
	case domain.NotificationPending, domain.NotificationSent, domain.NotificationFailed:
		writeJSON(w, http.StatusOK, s.notifier.GetNotifications(status))
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session domain.Session)

func (s *Server) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			s.metrics.AuthFailures.Inc()
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r, session)
	}
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request, session domain.Session) {
	if s.config.Wallets == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("wallet lookup is not configured"))
		return
	}
	wallets, err := s.config.Wallets.UserWallets(r.Context(), session.FID)
	if err != nil {
		s.writeProviderError(w, "wallet lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, wallets)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request, session domain.Session) {
	if s.config.Wallets == nil || s.config.Portfolio == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("portfolio lookup is not configured"))
		return
	}
	wallets, err := s.config.Wallets.UserWallets(r.Context(), session.FID)
	if err != nil {
		s.writeProviderError(w, "wallet lookup failed", err)
		return
	}

	addresses := wallets.EVMAddresses()
	if len(addresses) == 0 {
		writeJSON(w, http.StatusOK, zapper.Portfolio{Positions: []domain.Position{}})
		return
	}

	portfolio, err := s.config.Portfolio.FetchPositions(r.Context(), addresses)
	if err != nil {
		s.writeProviderError(w, "position lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

func (s *Server) writeProviderError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, neynar.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.logger.Warn(msg, zap.Error(err))
	writeError(w, http.StatusBadGateway, errors.New(msg))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
