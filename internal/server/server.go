// Package server hosts the record store over HTTP for development and
// testing. It speaks the same JSON protocol httpstore consumes: zones,
// records with save policies, a tokenized change feed, shares, assets,
// and a WebSocket push channel.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pairsync/internal/notify"
	"pairsync/internal/remote"
)

// Backend provides per-account views over the shared record store.
type Backend interface {
	Device(accountID string) remote.Store
}

// Server exposes the backend over the HTTP protocol.
type Server struct {
	backend Backend
	auth    *Auth
	hub     *WSHub
	signer  *S3Signer
	push    notify.Notifier
	logger  zerolog.Logger

	upgrader websocket.Upgrader
}

// New creates a server. signer may be nil, in which case assets are
// stored inline through the backend; push may be nil to disable APNs.
func New(backend Backend, auth *Auth, signer *S3Signer, push notify.Notifier, logger zerolog.Logger) *Server {
	if push == nil {
		push = notify.Discard{}
	}
	return &Server{
		backend: backend,
		auth:    auth,
		hub:     NewWSHub(logger),
		signer:  signer,
		push:    push,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Hub returns the WebSocket hub, used to fan out zone change events.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Router builds the chi router for all protocol endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/devices", s.handleRegisterDevice)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Get("/account", s.handleAccount)
			r.Get("/zones", s.handleListZones)
			r.Post("/zones", s.handleCreateZone)
			r.Post("/zones/{zone}/share", s.handleCreateShare)
			r.Get("/shares/resolve", s.handleResolveShare)
			r.Post("/shares/accept", s.handleAcceptShare)
			r.Get("/zones/{zone}/records/{id}", s.handleGetRecord)
			r.Put("/zones/{zone}/records/{id}", s.handleSaveRecord)
			r.Delete("/zones/{zone}/records/{id}", s.handleDeleteRecord)
			r.Post("/zones/{zone}/query", s.handleQuery)
			r.Get("/zones/{zone}/changes", s.handleChanges)
			r.Post("/assets/{zone}/{id}", s.handleUploadAsset)
			r.Get("/assets/{zone}/{id}", s.handleFetchAsset)
			r.Post("/push-token", s.handleRegisterPushToken)
		})
	})

	r.Get("/v1/ws", s.handleWebSocket)
	return r
}

func (s *Server) device(r *http.Request) remote.Store {
	return s.backend.Device(AccountID(r.Context()))
}

func zoneFromRequest(r *http.Request) remote.Zone {
	zone := remote.Zone{Name: chi.URLParam(r, "zone")}
	if scope := r.URL.Query().Get("scope"); scope != "" {
		zone.Scope = remote.Scope(scope)
	}
	return zone
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		respondError(w, "account_id required", http.StatusBadRequest)
		return
	}

	token, err := s.auth.IssueToken(req.AccountID)
	if err != nil {
		respondError(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	device := s.device(r)
	status, err := device.AccountStatus(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	identity, err := device.AccountIdentity(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":   string(status),
		"identity": identity,
	})
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	scope := remote.Scope(r.URL.Query().Get("scope"))
	zones, err := s.device(r).ListZones(r.Context(), scope)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		filtered := zones[:0]
		for _, z := range zones {
			if len(z.Name) >= len(prefix) && z.Name[:len(prefix)] == prefix {
				filtered = append(filtered, z)
			}
		}
		zones = filtered
	}
	respondJSON(w, http.StatusOK, zones)
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondError(w, "name required", http.StatusBadRequest)
		return
	}
	zone, err := s.device(r).CreateZone(r.Context(), req.Name)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, zone)
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	url, err := s.device(r).CreateShare(r.Context(), zoneFromRequest(r), req.Title)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"url": url})
}

func (s *Server) handleResolveShare(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		respondError(w, "url required", http.StatusBadRequest)
		return
	}
	meta, err := s.device(r).ResolveShare(r.Context(), url)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (s *Server) handleAcceptShare(w http.ResponseWriter, r *http.Request) {
	var meta remote.ShareMetadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil || meta.URL == "" {
		respondError(w, "share url required", http.StatusBadRequest)
		return
	}
	if err := s.device(r).AcceptShare(r.Context(), meta); err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.device(r).Get(r.Context(), zoneFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSaveRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Record remote.Record     `json:"record"`
		Policy remote.SavePolicy `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.Record.ID = chi.URLParam(r, "id")
	if req.Policy == "" {
		req.Policy = remote.SaveOverwrite
	}

	zone := zoneFromRequest(r)
	stored, err := s.device(r).Save(r.Context(), zone, req.Record, req.Policy)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.pushForRecord(stored)
	respondJSON(w, http.StatusOK, stored)
}

// tokenRegistrar is implemented by push backends that track per-account
// device tokens.
type tokenRegistrar interface {
	RegisterToken(accountID, deviceToken string)
}

func (s *Server) handleRegisterPushToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceToken string `json:"device_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceToken == "" {
		respondError(w, "device_token required", http.StatusBadRequest)
		return
	}
	if registrar, ok := s.push.(tokenRegistrar); ok {
		registrar.RegisterToken(AccountID(r.Context()), req.DeviceToken)
	}
	w.WriteHeader(http.StatusNoContent)
}

// pushForRecord sends a background push for records that should wake the
// partner device even when it holds no live websocket.
func (s *Server) pushForRecord(rec remote.Record) {
	switch rec.Type {
	case "Workout":
		s.push.Notify(notify.Event{
			Kind:    notify.KindPartnerWorkout,
			Title:   "Partner workout",
			Message: rec.String("caption"),
		})
	case "Nudge":
		s.push.Notify(notify.Event{
			Kind:    notify.KindNudge,
			Title:   "Nudge",
			Message: rec.String("message"),
		})
	}
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.device(r).Delete(r.Context(), zoneFromRequest(r), chi.URLParam(r, "id")); err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q remote.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		respondError(w, "invalid body", http.StatusBadRequest)
		return
	}
	records, err := s.device(r).Query(r.Context(), zoneFromRequest(r), q)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if records == nil {
		records = []remote.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	set, err := s.device(r).Changes(r.Context(), zoneFromRequest(r), since)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, set)
}

func (s *Server) handleUploadAsset(w http.ResponseWriter, r *http.Request) {
	zone := zoneFromRequest(r)
	id := chi.URLParam(r, "id")

	if s.signer != nil {
		uploadURL, err := s.signer.PresignUpload(r.Context(), AssetKey(zone.Name, id))
		if err != nil {
			respondError(w, "failed to pre-sign upload", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{
			"upload_url": uploadURL,
			"ref":        AssetKey(zone.Name, id),
		})
		return
	}

	// Inline mode: the request body is the asset bytes.
	assets, ok := s.device(r).(remote.AssetStore)
	if !ok {
		respondError(w, "asset storage unavailable", http.StatusNotImplemented)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		respondError(w, "failed to read asset", http.StatusBadRequest)
		return
	}
	ref, err := assets.UploadAsset(r.Context(), zone, id, data)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"ref": ref})
}

func (s *Server) handleFetchAsset(w http.ResponseWriter, r *http.Request) {
	zone := zoneFromRequest(r)
	id := chi.URLParam(r, "id")

	if s.signer != nil {
		downloadURL, err := s.signer.PresignDownload(r.Context(), AssetKey(zone.Name, id))
		if err != nil {
			respondError(w, "failed to pre-sign download", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"download_url": downloadURL})
		return
	}

	assets, ok := s.device(r).(remote.AssetStore)
	if !ok {
		respondError(w, "asset storage unavailable", http.StatusNotImplemented)
		return
	}
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		ref = "asset:" + id
	}
	data, err := assets.FetchAsset(r.Context(), zone, ref)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	accountID, err := s.auth.ValidateToken(r.URL.Query().Get("token"))
	if err != nil {
		respondError(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	s.hub.Register(accountID, conn)

	watcher, ok := s.backend.Device(accountID).(remote.Watcher)
	if !ok {
		// No push support; keep the connection for reads until it drops.
		go s.drainUntilClose(accountID, conn)
		return
	}

	events, err := watcher.Watch(r.Context())
	if err != nil {
		s.hub.Unregister(accountID, conn)
		return
	}

	go s.drainUntilClose(accountID, conn)
	go func() {
		for zone := range events {
			s.hub.SendToAccount(accountID, WSMessage{Type: "zone_changed", Zone: zone})
		}
	}()
}

// drainUntilClose consumes client frames so pings are answered and the
// close handshake completes.
func (s *Server) drainUntilClose(accountID string, conn *websocket.Conn) {
	defer s.hub.Unregister(accountID, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	var conflict *remote.ConflictError
	switch {
	case errors.As(err, &conflict):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":         "conflict",
			"server_record": conflict.Server,
		})
	case errors.Is(err, remote.ErrConflict):
		respondError(w, "conflict", http.StatusConflict)
	case errors.Is(err, remote.ErrTokenExpired):
		respondError(w, "change token expired", http.StatusGone)
	case errors.Is(err, remote.ErrRecordNotFound),
		errors.Is(err, remote.ErrZoneNotFound),
		errors.Is(err, remote.ErrShareNotFound):
		respondError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, remote.ErrNotAuthenticated):
		respondError(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, remote.ErrQuotaExceeded):
		respondError(w, err.Error(), http.StatusInsufficientStorage)
	default:
		s.logger.Error().Err(err).Msg("store operation failed")
		respondError(w, "internal error", http.StatusInternalServerError)
	}
}

// ErrorResponse is the error body shape for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}
