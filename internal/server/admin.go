package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/kv"
	"github.com/vantagegw/vantage/internal/storage"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// mountAdminRoutes registers the admin REST surface. The caller has already
// applied authenticate and requireAdmin.
func (s *server) mountAdminRoutes(r chi.Router) {
	// Tenancy
	r.Get("/users", s.handleListUsers)
	r.Post("/users", s.handleCreateUser)
	r.Get("/users/{id}", s.handleGetUser)
	r.Put("/users/{id}", s.handleUpdateUser)
	r.Delete("/users/{id}", s.handleDeleteUser)

	r.Get("/keys", s.handleListKeys)
	r.Post("/keys", s.handleCreateKey)
	r.Get("/keys/{id}", s.handleGetKey)
	r.Put("/keys/{id}", s.handleUpdateKey)
	r.Delete("/keys/{id}", s.handleDeleteKey)

	// Vendors and endpoints
	r.Get("/vendors", s.handleListVendors)
	r.Post("/vendors", s.handleCreateVendor)
	r.Get("/vendors/{id}", s.handleGetVendor)
	r.Put("/vendors/{id}", s.handleUpdateVendor)
	r.Delete("/vendors/{id}", s.handleDeleteVendor)
	r.Get("/vendors/{id}/endpoints", s.handleListEndpoints)
	r.Post("/vendors/{id}/endpoints", s.handleCreateEndpoint)
	r.Post("/vendors/{id}/breaker/open", s.handleVendorForceOpen)
	r.Post("/vendors/{id}/breaker/close", s.handleVendorForceClose)

	r.Get("/endpoints/{id}", s.handleGetEndpoint)
	r.Put("/endpoints/{id}", s.handleUpdateEndpoint)
	r.Delete("/endpoints/{id}", s.handleDeleteEndpoint)
	r.Post("/endpoints/{id}/probe", s.handleProbeEndpoint)

	// Providers and circuit breakers
	r.Get("/providers", s.handleListProviders)
	r.Post("/providers", s.handleCreateProvider)
	r.Get("/providers/{id}", s.handleGetProvider)
	r.Put("/providers/{id}", s.handleUpdateProvider)
	r.Delete("/providers/{id}", s.handleDeleteProvider)
	r.Get("/providers/{id}/breaker", s.handleBreakerState)
	r.Post("/providers/{id}/breaker/reset", s.handleBreakerReset)
	r.Post("/providers/{id}/breaker/half-open", s.handleBreakerHalfOpen)

	// Price catalogue
	r.Get("/prices", s.handleListPrices)
	r.Put("/prices/{model}", s.handleUpsertPrice)
	r.Delete("/prices/{model}", s.handleDeletePrice)

	// Guard rules
	r.Get("/sensitive-words", s.handleListSensitiveWords)
	r.Post("/sensitive-words", s.handleCreateSensitiveWord)
	r.Delete("/sensitive-words/{id}", s.handleDeleteSensitiveWord)
	r.Get("/error-rules", s.handleListErrorRules)
	r.Post("/error-rules", s.handleCreateErrorRule)
	r.Delete("/error-rules/{id}", s.handleDeleteErrorRule)
	r.Get("/request-filters", s.handleListRequestFilters)
	r.Post("/request-filters", s.handleCreateRequestFilter)
	r.Put("/request-filters/{id}", s.handleUpdateRequestFilter)
	r.Delete("/request-filters/{id}", s.handleDeleteRequestFilter)

	// Usage reports and sessions
	r.Get("/usage", s.handleListUsage)
	r.Get("/usage/summary", s.handleUsageSummary)
	r.Get("/requests/{id}", s.handleGetRequest)
	r.Get("/sessions/{id}/sequences", s.handleSessionSequences)
	r.Get("/sessions/{id}/debug/{seq}", s.handleSessionDebug)
	r.Delete("/sessions/{id}", s.handleTerminateSession)

	// Cost window controls
	r.Post("/quota/{scope}/{id}/reset", s.handleQuotaReset)
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, status, errorResponse("not found"))
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, status, errorResponse("conflict"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error"))
	}
}

type listResponse struct {
	Data  any `json:"data"`
	Count int `json:"count"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseSinceUntil validates optional since/until RFC3339 query params.
// Writes 400 and returns false on invalid format.
func parseSinceUntil(w http.ResponseWriter, r *http.Request) (since, until time.Time, ok bool) {
	q := r.URL.Query()
	var err error
	if raw := q.Get("since"); raw != "" {
		if since, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid since format, use RFC3339"))
			return time.Time{}, time.Time{}, false
		}
	}
	if raw := q.Get("until"); raw != "" {
		if until, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid until format, use RFC3339"))
			return time.Time{}, time.Time{}, false
		}
	}
	return since, until, true
}

// --- Users ---

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	users, err := s.deps.Store.ListUsers(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if users == nil {
		users = []*gateway.User{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: users, Count: len(users)})
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var u gateway.User
	if !decodeJSON(w, r, &u) {
		return
	}
	if u.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if u.Role == "" {
		u.Role = "user"
	}
	if u.Role != "user" && u.Role != "admin" {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid role"))
		return
	}
	if u.ID == "" {
		u.ID = uuid.Must(uuid.NewV7()).String()
	}
	u.Enabled = true
	if err := s.deps.Store.CreateUser(r.Context(), &u); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/users/"+u.ID)
	writeJSON(w, http.StatusCreated, u)
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := s.deps.Store.GetUser(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	// Decode on top of the stored record: omitted fields keep their values.
	if !decodeJSON(w, r, u) {
		return
	}
	u.ID = id
	if u.Role != "user" && u.Role != "admin" {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid role"))
		return
	}
	if err := s.deps.Store.UpdateUser(r.Context(), u); err != nil {
		writeAdminError(w, r, err)
		return
	}
	// Cached identities embed the user; flush them all.
	s.deps.Auth.InvalidateAll()
	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Auth.InvalidateAll()
	w.WriteHeader(http.StatusNoContent)
}

// --- Keys ---

// keyCreateRequest is the payload for minting a new API key.
type keyCreateRequest struct {
	UserID         string         `json:"user_id"`
	Name           string         `json:"name"`
	ProviderGroup  string         `json:"provider_group,omitempty"`
	Quotas         gateway.Quotas `json:"quotas"`
	CacheTTL       string         `json:"cache_ttl,omitempty"`
	CanLoginWebUI  bool           `json:"can_login_web_ui"`
	AllowedClients []string       `json:"allowed_clients,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// keyCreateResponse includes the plaintext key (shown only once).
type keyCreateResponse struct {
	*gateway.Key
	PlaintextKey string `json:"key"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListKeys(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*gateway.Key{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: keys, Count: len(keys)})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("user_id is required"))
		return
	}
	if req.CacheTTL != "" && req.CacheTTL != "5m" && req.CacheTTL != "1h" {
		writeJSON(w, http.StatusBadRequest, errorResponse("cache_ttl must be 5m or 1h"))
		return
	}
	if _, err := s.deps.Store.GetUser(r.Context(), req.UserID); err != nil {
		writeAdminError(w, r, err)
		return
	}

	plaintext := "vk-" + strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
	key := &gateway.Key{
		ID:             uuid.Must(uuid.NewV7()).String(),
		UserID:         req.UserID,
		Name:           req.Name,
		KeyHash:        gateway.HashKey(plaintext),
		KeyPrefix:      plaintext[:8],
		ProviderGroup:  req.ProviderGroup,
		Quotas:         req.Quotas,
		CacheTTL:       req.CacheTTL,
		CanLoginWebUI:  req.CanLoginWebUI,
		AllowedClients: req.AllowedClients,
		Enabled:        true,
		ExpiresAt:      req.ExpiresAt,
	}
	if err := s.deps.Store.CreateKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{Key: key, PlaintextKey: plaintext})
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.deps.Store.GetKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, err := s.deps.Store.GetKey(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	hash, prefix, userID := key.KeyHash, key.KeyPrefix, key.UserID
	if !decodeJSON(w, r, key) {
		return
	}
	// The credential itself and ownership are immutable.
	key.ID = id
	key.KeyHash = hash
	key.KeyPrefix = prefix
	key.UserID = userID
	if key.CacheTTL != "" && key.CacheTTL != "5m" && key.CacheTTL != "1h" {
		writeJSON(w, http.StatusBadRequest, errorResponse("cache_ttl must be 5m or 1h"))
		return
	}
	if err := s.deps.Store.UpdateKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Auth.InvalidateByKeyID(id)
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Auth.InvalidateByKeyID(id)
	w.WriteHeader(http.StatusNoContent)
}

// --- Vendors and endpoints ---

func (s *server) handleListVendors(w http.ResponseWriter, r *http.Request) {
	vendors, err := s.deps.Store.ListVendors(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if vendors == nil {
		vendors = []*gateway.ProviderVendor{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: vendors, Count: len(vendors)})
}

func (s *server) handleCreateVendor(w http.ResponseWriter, r *http.Request) {
	var v gateway.ProviderVendor
	if !decodeJSON(w, r, &v) {
		return
	}
	if v.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if v.ID == "" {
		v.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateVendor(r.Context(), &v); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/vendors/"+v.ID)
	writeJSON(w, http.StatusCreated, v)
}

func (s *server) handleGetVendor(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Store.GetVendor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *server) handleUpdateVendor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := s.deps.Store.GetVendor(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if !decodeJSON(w, r, v) {
		return
	}
	v.ID = id
	if err := s.deps.Store.UpdateVendor(r.Context(), v); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *server) handleDeleteVendor(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteVendor(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.deps.Store.ListEndpoints(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if endpoints == nil {
		endpoints = []*gateway.ProviderEndpoint{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: endpoints, Count: len(endpoints)})
}

func (s *server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	vendorID := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetVendor(r.Context(), vendorID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	var e gateway.ProviderEndpoint
	if !decodeJSON(w, r, &e) {
		return
	}
	if !e.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid provider type"))
		return
	}
	if e.BaseURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("base_url is required"))
		return
	}
	e.VendorID = vendorID
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateEndpoint(r.Context(), &e); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/endpoints/"+e.ID)
	writeJSON(w, http.StatusCreated, e)
}

func (s *server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Store.GetEndpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.deps.Store.GetEndpoint(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	vendorID := e.VendorID
	if !decodeJSON(w, r, e) {
		return
	}
	e.ID = id
	e.VendorID = vendorID
	if !e.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid provider type"))
		return
	}
	if err := s.deps.Store.UpdateEndpoint(r.Context(), e); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteEndpoint(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleProbeEndpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prober == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("prober not available"))
		return
	}
	e, err := s.deps.Store.GetEndpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	st, err := s.deps.Prober.ProbeNow(r.Context(), e)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// vendorBreakerRequest targets one (vendor, type) blackout switch.
type vendorBreakerRequest struct {
	Type   gateway.ProviderType `json:"type"`
	Reason string               `json:"reason,omitempty"`
}

func (s *server) handleVendorForceOpen(w http.ResponseWriter, r *http.Request) {
	var req vendorBreakerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid provider type"))
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if err := s.deps.Vendors.ForceOpen(r.Context(), chi.URLParam(r, "id"), req.Type, req.Reason); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleVendorForceClose(w http.ResponseWriter, r *http.Request) {
	var req vendorBreakerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid provider type"))
		return
	}
	if err := s.deps.Vendors.ForceClose(r.Context(), chi.URLParam(r, "id"), req.Type); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Providers ---

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if providers == nil {
		providers = []*gateway.Provider{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: providers, Count: len(providers)})
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var p gateway.Provider
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if !p.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid provider type"))
		return
	}
	if p.Weight <= 0 {
		p.Weight = 1
	}
	if p.ID == "" {
		p.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateProvider(r.Context(), &p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateProviders(r, p.ID)
	w.Header().Set("Location", "/admin/v1/providers/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.deps.Store.GetProvider(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if !decodeJSON(w, r, p) {
		return
	}
	p.ID = id
	if !p.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid provider type"))
		return
	}
	if err := s.deps.Store.UpdateProvider(r.Context(), p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateProviders(r, id)
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteProvider(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateProviders(r, id)
	w.WriteHeader(http.StatusNoContent)
}

// invalidateProviders flushes the local registry snapshot and tells the
// other gateway processes to do the same.
func (s *server) invalidateProviders(r *http.Request, providerID string) {
	s.deps.Registry.Invalidate()
	if err := s.deps.Registry.Broadcast(r.Context(), providerID); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "provider invalidation broadcast failed",
			slog.String("provider", providerID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *server) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Breakers.State(r.Context(), chi.URLParam(r, "id")))
}

func (s *server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Breakers.Reset(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBreakerHalfOpen moves an open breaker straight to half-open so the
// next request probes the provider without waiting out the open window.
func (s *server) handleBreakerHalfOpen(w http.ResponseWriter, r *http.Request) {
	s.deps.Breakers.TripHalfOpen(r.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// --- Prices ---

func (s *server) handleListPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.deps.Store.ListPrices(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if prices == nil {
		prices = []*gateway.ModelPrice{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: prices, Count: len(prices)})
}

func (s *server) handleUpsertPrice(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	var p gateway.ModelPrice
	if !decodeJSON(w, r, &p) {
		return
	}
	p.Model = model
	if err := s.deps.Store.UpsertPrice(r.Context(), &p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Catalog.Invalidate(model)
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleDeletePrice(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	if err := s.deps.Store.DeletePrice(r.Context(), model); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Catalog.Invalidate(model)
	w.WriteHeader(http.StatusNoContent)
}

// --- Guard rules ---

// reloadRules refreshes the local rule engine and notifies the other
// processes.
func (s *server) reloadRules(r *http.Request, kind string) {
	if err := s.deps.Rules.Reload(r.Context()); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "rule reload failed",
			slog.String("error", err.Error()),
		)
	}
	if err := s.deps.Rules.Broadcast(r.Context(), kind); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "rule broadcast failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}

func (s *server) handleListSensitiveWords(w http.ResponseWriter, r *http.Request) {
	words, err := s.deps.Store.ListSensitiveWords(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if words == nil {
		words = []*gateway.SensitiveWord{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: words, Count: len(words)})
}

func (s *server) handleCreateSensitiveWord(w http.ResponseWriter, r *http.Request) {
	var word gateway.SensitiveWord
	if !decodeJSON(w, r, &word) {
		return
	}
	if word.Pattern == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("pattern is required"))
		return
	}
	if word.Match == "" {
		word.Match = gateway.MatchContains
	}
	if !validMatchType(word.Match) {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid match_type"))
		return
	}
	if word.ID == "" {
		word.ID = uuid.Must(uuid.NewV7()).String()
	}
	word.Enabled = true
	if err := s.deps.Store.CreateSensitiveWord(r.Context(), &word); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.reloadRules(r, "sensitive")
	writeJSON(w, http.StatusCreated, word)
}

func (s *server) handleDeleteSensitiveWord(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteSensitiveWord(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.reloadRules(r, "sensitive")
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListErrorRules(w http.ResponseWriter, r *http.Request) {
	errRules, err := s.deps.Store.ListErrorRules(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if errRules == nil {
		errRules = []*gateway.ErrorRule{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: errRules, Count: len(errRules)})
}

func (s *server) handleCreateErrorRule(w http.ResponseWriter, r *http.Request) {
	var rule gateway.ErrorRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	if rule.Pattern == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("pattern is required"))
		return
	}
	if rule.Match == "" {
		rule.Match = gateway.MatchContains
	}
	if !validMatchType(rule.Match) {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid match_type"))
		return
	}
	if rule.Category != "retryable" && rule.Category != "non_retryable" {
		writeJSON(w, http.StatusBadRequest, errorResponse("category must be retryable or non_retryable"))
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.Must(uuid.NewV7()).String()
	}
	rule.Enabled = true
	if err := s.deps.Store.CreateErrorRule(r.Context(), &rule); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.reloadRules(r, "error")
	writeJSON(w, http.StatusCreated, rule)
}

func (s *server) handleDeleteErrorRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteErrorRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.reloadRules(r, "error")
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListRequestFilters(w http.ResponseWriter, r *http.Request) {
	filters, err := s.deps.Store.ListRequestFilters(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if filters == nil {
		filters = []*gateway.RequestFilter{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: filters, Count: len(filters)})
}

func (s *server) handleCreateRequestFilter(w http.ResponseWriter, r *http.Request) {
	var f gateway.RequestFilter
	if !decodeJSON(w, r, &f) {
		return
	}
	if f.Scope != "header" && f.Scope != "body" {
		writeJSON(w, http.StatusBadRequest, errorResponse("scope must be header or body"))
		return
	}
	if f.Target == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("target is required"))
		return
	}
	if f.ID == "" {
		f.ID = uuid.Must(uuid.NewV7()).String()
	}
	f.Enabled = true
	if err := s.deps.Store.CreateRequestFilter(r.Context(), &f); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.reloadRules(r, "filter")
	writeJSON(w, http.StatusCreated, f)
}

func (s *server) handleUpdateRequestFilter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var f gateway.RequestFilter
	if !decodeJSON(w, r, &f) {
		return
	}
	f.ID = id
	if f.Scope != "header" && f.Scope != "body" {
		writeJSON(w, http.StatusBadRequest, errorResponse("scope must be header or body"))
		return
	}
	if err := s.deps.Store.UpdateRequestFilter(r.Context(), &f); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.reloadRules(r, "filter")
	writeJSON(w, http.StatusOK, f)
}

func (s *server) handleDeleteRequestFilter(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteRequestFilter(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.reloadRules(r, "filter")
	w.WriteHeader(http.StatusNoContent)
}

func validMatchType(m gateway.MatchType) bool {
	switch m {
	case gateway.MatchContains, gateway.MatchExact, gateway.MatchRegex:
		return true
	}
	return false
}

// --- Usage reports and sessions ---

func usageFilter(r *http.Request, since, until time.Time) storage.RequestFilterSpec {
	q := r.URL.Query()
	offset, limit := parsePagination(r)
	return storage.RequestFilterSpec{
		UserID:    q.Get("user_id"),
		KeyID:     q.Get("key_id"),
		SessionID: q.Get("session_id"),
		Model:     q.Get("model"),
		Since:     since,
		Until:     until,
		Offset:    offset,
		Limit:     limit,
	}
}

func (s *server) handleListUsage(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	recs, err := s.deps.Store.ListRequests(r.Context(), usageFilter(r, since, until))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*gateway.MessageRequest{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: recs, Count: len(recs)})
}

func (s *server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	totals, err := s.deps.Store.SumUsage(r.Context(), usageFilter(r, since, until))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleSessionSequences returns the persisted sequence numbers of a
// session, used to spot gaps left by dropped usage records.
func (s *server) handleSessionSequences(w http.ResponseWriter, r *http.Request) {
	seqs, err := s.deps.Store.SessionSequences(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if seqs == nil {
		seqs = []int64{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: seqs, Count: len(seqs)})
}

// handleSessionDebug returns the stored debug snapshot for one request of a
// session. Artifacts expire quickly, so a 404 usually means "too late".
func (s *server) handleSessionDebug(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq < 1 {
		writeJSON(w, http.StatusBadRequest, errorResponse("seq must be a positive integer"))
		return
	}
	art, err := s.deps.Tracker.DebugArtifact(r.Context(), chi.URLParam(r, "id"), seq)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse("not found"))
			return
		}
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (s *server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tracker.Terminate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Cost windows ---

func (s *server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if scope != "user" && scope != "key" && scope != "provider" {
		writeJSON(w, http.StatusBadRequest, errorResponse("scope must be user, key or provider"))
		return
	}
	if err := s.deps.Costs.Reset(r.Context(), scope, chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
