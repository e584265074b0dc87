package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tpn/internal/config"
	"tpn/internal/database"
	"tpn/internal/logging"
	"tpn/internal/retry"
	"tpn/internal/scoring"
	"tpn/internal/wireguard"
)

type ChallengeService interface {
	GenerateChallenge(ctx context.Context, minerUID string) (*database.Challenge, error)
	Lookup(ctx context.Context, id string) (string, error)
	ChallengeURL(id string) string
}

type Scorer interface {
	Score(ctx context.Context, challenge, response, originIP string) (*scoring.Result, error)
	ScoreWithTunnel(ctx context.Context, challenge, response, originIP string, peer scoring.PeerRequest) (*scoring.Result, error)
}

type UniquenessService interface {
	ScoreRequestUniqueness(ctx context.Context, originIP string, disableRateLimit bool) (scoring.Uniqueness, error)
	CountryStats(ctx context.Context) (map[string]int, error)
	CountryIPs(ctx context.Context, country string) ([]string, error)
}

type InterfaceCleaner interface {
	CleanUpInterfaces(ctx context.Context, opts wireguard.CleanupOptions) (bool, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Docker bridge networks count as local.
var localPrefixes = []netip.Prefix{
	netip.MustParsePrefix("172.16.0.0/12"),
}

type Handler struct {
	cfg        *config.Config
	challenges ChallengeService
	scorer     Scorer
	uniqueness UniquenessService
	cleaner    InterfaceCleaner
	db         Pinger
	retry      retry.Policy
	trusted    map[string]bool
}

func NewHandler(cfg *config.Config, challenges ChallengeService, scorer Scorer, uniqueness UniquenessService, cleaner InterfaceCleaner, db Pinger) *Handler {
	trusted := make(map[string]bool, len(cfg.TrustedValidatorIPs))
	for _, ip := range cfg.TrustedValidatorIPs {
		trusted[ip] = true
	}

	return &Handler{
		cfg:        cfg,
		challenges: challenges,
		scorer:     scorer,
		uniqueness: uniqueness,
		cleaner:    cleaner,
		db:         db,
		retry: retry.Policy{
			Retries:      cfg.RouteRetries,
			Cooldown:     cfg.RouteRetryCooldown(),
			JitterFactor: retry.DefaultJitterFactor,
		},
		trusted: trusted,
	}
}

// Register mounts every route on router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/", h.IdentityHandler).Methods("GET")
	router.HandleFunc("/health", h.HealthHandler).Methods("GET")

	challenge := router.PathPrefix("/challenge").Subrouter()
	challenge.HandleFunc("/new", h.NewChallengeHandler).Methods("GET")
	challenge.HandleFunc("/{challenge}", h.ChallengeResponseHandler).Methods("GET")
	challenge.HandleFunc("/{challenge}/{response}", h.SolveHandler).Methods("GET")
	challenge.HandleFunc("/{challenge}/{response}", h.SolveWithTunnelHandler).Methods("POST")

	router.HandleFunc("/score", h.ScoreHandler).Methods("GET")
	router.HandleFunc("/score/stats", h.StatsHandler).Methods("GET")
	router.HandleFunc("/score/stats/{country}", h.requireTrusted(h.CountryIPsHandler)).Methods("GET")

	router.HandleFunc("/admin/interfaces/cleanup", h.requireTrusted(h.CleanupHandler)).Methods("POST")
}

type NewChallengeResponse struct {
	Challenge    string `json:"challenge"`
	ChallengeURL string `json:"challenge_url"`
}

// LookupResponse omits response for an unknown challenge.
type LookupResponse struct {
	Response string `json:"response,omitempty"`
}

type ScoreResponse struct {
	Score scoring.Uniqueness `json:"score"`
}

type WireguardConfig struct {
	PeerConfig string      `json:"peer_config"`
	PeerID     interface{} `json:"peer_id"`
	PeerSlots  interface{} `json:"peer_slots"`
	ExpiresAt  interface{} `json:"expires_at"`
}

type SolveRequest struct {
	WireguardConfig *WireguardConfig `json:"wireguard_config"`
}

type CleanupRequest struct {
	Interfaces  []string `json:"interfaces"`
	IPAddresses []string `json:"ip_addresses"`
	DryRun      bool     `json:"dryrun"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) IdentityHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "I am a TPN validator component")
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "tpn-validator",
	})
}

func (h *Handler) NewChallengeHandler(w http.ResponseWriter, r *http.Request) {
	challenge, err := h.challenges.GenerateChallenge(r.Context(), r.URL.Query().Get("miner_uid"))
	if err != nil {
		h.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, NewChallengeResponse{
		Challenge:    challenge.ID,
		ChallengeURL: h.challenges.ChallengeURL(challenge.ID),
	})
}

func (h *Handler) ChallengeResponseHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["challenge"]

	response, err := h.challenges.Lookup(r.Context(), id)
	if err != nil {
		h.serverError(w, err)
		return
	}

	logging.WithContextFields(logging.LogFields{"challenge": id}).Info("returning challenge response")
	writeJSON(w, http.StatusOK, LookupResponse{Response: response})
}

func (h *Handler) SolveHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	originIP := clientIP(r)

	h.respondWithScore(w, r, func(ctx context.Context) (*scoring.Result, error) {
		return h.scorer.Score(ctx, vars["challenge"], vars["response"], originIP)
	})
}

func (h *Handler) SolveWithTunnelHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req SolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON"})
		return
	}

	wg := req.WireguardConfig
	if wg == nil || wg.PeerConfig == "" || !present(wg.PeerID) || !present(wg.PeerSlots) || !present(wg.ExpiresAt) {
		logging.WithContextFields(logging.LogFields{"challenge": vars["challenge"]}).Info("missing wireguard config fields")
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Missing wireguard config fields"})
		return
	}

	peer := scoring.PeerRequest{PeerConfig: wg.PeerConfig, PeerID: fmt.Sprint(wg.PeerID)}
	originIP := clientIP(r)

	h.respondWithScore(w, r, func(ctx context.Context) (*scoring.Result, error) {
		return h.scorer.ScoreWithTunnel(ctx, vars["challenge"], vars["response"], originIP, peer)
	})
}

// respondWithScore runs score under the route retry policy.
func (h *Handler) respondWithScore(w http.ResponseWriter, r *http.Request, score func(ctx context.Context) (*scoring.Result, error)) {
	var result *scoring.Result
	err := retry.Do(r.Context(), h.retry, func(ctx context.Context) error {
		var err error
		result, err = score(ctx)
		if errors.Is(err, scoring.ErrUndeterminedIdentity) {
			return retry.Permanent(err)
		}
		return err
	})

	if errors.Is(err, scoring.ErrUndeterminedIdentity) {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Nice try"})
		return
	}
	if err != nil {
		h.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) ScoreHandler(w http.ResponseWriter, r *http.Request) {
	uniqueness, err := h.uniqueness.ScoreRequestUniqueness(r.Context(), clientIP(r), true)
	if err != nil && !errors.Is(err, scoring.ErrUndeterminedIdentity) {
		h.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ScoreResponse{Score: uniqueness})
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.uniqueness.CountryStats(r.Context())
	if err != nil {
		h.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) CountryIPsHandler(w http.ResponseWriter, r *http.Request) {
	country := strings.ToUpper(mux.Vars(r)["country"])

	ips, err := h.uniqueness.CountryIPs(r.Context(), country)
	if err != nil {
		h.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"country": country,
		"ips":     ips,
	})
}

func (h *Handler) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON"})
			return
		}
	}

	cleaned, err := h.cleaner.CleanUpInterfaces(r.Context(), wireguard.CleanupOptions{
		Interfaces:  req.Interfaces,
		IPAddresses: req.IPAddresses,
		DryRun:      req.DryRun,
	})
	if err != nil {
		h.serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"cleaned": cleaned})
}

func (h *Handler) requireTrusted(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.isTrusted(clientIP(r)) {
			logging.WithContextFields(logging.LogFields{"ip": clientIP(r), "path": r.URL.Path}).Warning("refused privileged request")
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Forbidden"})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isTrusted(ip string) bool {
	if h.trusted[ip] {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if addr.IsLoopback() {
		return true
	}
	for _, prefix := range localPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (h *Handler) serverError(w http.ResponseWriter, err error) {
	logging.WithContextFields(logging.LogFields{"error": err.Error()}).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
}

// clientIP is the transport peer address. Forwarding headers are ignored
// since a caller can set them freely.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func present(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return false
	case string:
		return value != ""
	case float64:
		return value != 0
	case bool:
		return value
	default:
		return true
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
