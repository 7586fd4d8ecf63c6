package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proximity/go-engine/internal/cart"
	"proximity/go-engine/internal/model"
	"proximity/go-engine/internal/reco"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)

	mux.HandleFunc("GET /api/regions", a.handleRegions)
	mux.HandleFunc("GET /api/regions/{id}", a.handleRegion)

	mux.HandleFunc("GET /api/recommendations/{category}", a.handleRecommendations)
	mux.HandleFunc("POST /api/recommendations/{category}/refresh", a.handleRecoRefresh)
	mux.HandleFunc("POST /api/recommendations/{category}/events", a.handleRecoEvent)

	mux.HandleFunc("GET /api/notifications", a.handlePendingNotifications)
	mux.HandleFunc("POST /api/notifications/{id}/click", a.handleNotificationClick)

	mux.HandleFunc("GET /api/app/state", a.handleAppState)
	mux.HandleFunc("POST /api/app/state", a.updateAppState)

	mux.HandleFunc("GET /api/cart", a.handleCart)
	mux.HandleFunc("POST /api/cart/lines", a.handleCartAdd)
	mux.HandleFunc("DELETE /api/cart/lines/{item}", a.handleCartRemove)
	mux.HandleFunc("POST /api/cart/checkout", a.handleCheckout)

	mux.HandleFunc("GET /api/itemsets/{name}", a.handleItemSet)
	mux.HandleFunc("PUT /api/itemsets/{name}", a.handleItemSetPut)

	mux.HandleFunc("GET /api/errors", a.handleIngestionErrors)
	mux.HandleFunc("GET /api/config", a.handleConfig)
	mux.HandleFunc("POST /api/admin/wipe", a.handleWipeDatabase)

	mux.Handle("GET /api/events/stream", a.hub)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (a *App) respond(w http.ResponseWriter, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if !a.ready.Load() || a.store.Ping(ctx) != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	a.respond(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"mqtt":           a.bridge.Connected(),
		"stream_clients": a.hub.Count(),
	})
}

func (a *App) handleRegions(w http.ResponseWriter, r *http.Request) {
	var kinds []model.RegionKind
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, ok := parseRegionKind(k)
		if !ok {
			http.Error(w, "unknown region kind", http.StatusBadRequest)
			return
		}
		kinds = append(kinds, kind)
	}
	a.respond(w, http.StatusOK, map[string]any{"regions": a.engine.Registry().Snapshots(kinds...)})
}

func parseRegionKind(s string) (model.RegionKind, bool) {
	for _, k := range []model.RegionKind{model.KindBeacon, model.KindZone, model.KindPlace, model.KindGroup} {
		if strings.EqualFold(k.String(), s) {
			return k, true
		}
	}
	return 0, false
}

func (a *App) handleRegion(w http.ResponseWriter, r *http.Request) {
	snap, err := a.engine.Registry().Snapshot(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, model.ErrUnknownRegion) {
			http.Error(w, "region not found", http.StatusNotFound)
			return
		}
		a.logger.Error("failed to load region", "region", r.PathValue("id"), "error", err)
		http.Error(w, "failed to load region", http.StatusInternalServerError)
		return
	}
	a.respond(w, http.StatusOK, snap)
}

// recoClient returns the client for the path category, creating it on first use.
func (a *App) recoClient(w http.ResponseWriter, r *http.Request) (*reco.Client, bool) {
	if a.reco == nil {
		http.Error(w, "recommendations disabled", http.StatusServiceUnavailable)
		return nil, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	c, err := a.reco.CreateClient(ctx, r.PathValue("category"))
	if err != nil {
		if errors.Is(err, model.ErrInvalidArgument) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return nil, false
		}
		a.logger.Error("failed to create reco client", "category", r.PathValue("category"), "error", err)
		http.Error(w, "recommendations unavailable", http.StatusServiceUnavailable)
		return nil, false
	}
	return c, true
}

func (a *App) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	c, ok := a.recoClient(w, r)
	if !ok {
		return
	}

	limit := c.Settings().MaxRecommendations
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 250 {
			limit = parsed
		}
	}

	var lastSync *time.Time
	if ts := c.LastSync(); !ts.IsZero() {
		lastSync = &ts
	}
	a.respond(w, http.StatusOK, struct {
		Category  string           `json:"category"`
		UserID    string           `json:"user_id,omitempty"`
		Items     []model.RecoItem `json:"items"`
		LastSync  *time.Time       `json:"last_sync,omitempty"`
		Deferred  bool             `json:"deferred"`
		PendingEv int              `json:"pending_events"`
	}{
		Category:  c.Category(),
		UserID:    c.UserID(),
		Items:     c.Recommendations(limit),
		LastSync:  lastSync,
		Deferred:  c.Deferred(),
		PendingEv: len(c.PendingEvents()),
	})
}

func (a *App) handleRecoRefresh(w http.ResponseWriter, r *http.Request) {
	c, ok := a.recoClient(w, r)
	if !ok {
		return
	}
	if err := c.UpdateAsync(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"queued"}`))
}

func (a *App) handleRecoEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind        reco.TrackKind `json:"kind"`
		ItemID      string         `json:"item_id"`
		Recommended bool           `json:"recommended"`
		Liked       *bool          `json:"liked"`
		Count       int            `json:"count"`
		Price       float64        `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	c, ok := a.recoClient(w, r)
	if !ok {
		return
	}

	var err error
	switch req.Kind {
	case reco.TrackView:
		err = c.TrackView(req.ItemID, req.Recommended)
	case reco.TrackLike:
		liked := req.Liked == nil || *req.Liked
		err = c.TrackLike(req.ItemID, liked)
	case reco.TrackBuy:
		err = c.TrackBuy(req.ItemID, req.Count, req.Price, req.Recommended)
	default:
		http.Error(w, "kind must be view, like or buy", http.StatusBadRequest)
		return
	}
	if err != nil {
		if errors.Is(err, model.ErrInvalidArgument) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"tracked"}`))
}

func (a *App) handlePendingNotifications(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	pending, err := a.dispatch.PendingNotifications(ctx)
	if err != nil {
		a.logger.Error("failed to load pending notifications", "error", err)
		http.Error(w, "failed to load notifications", http.StatusInternalServerError)
		return
	}
	a.respond(w, http.StatusOK, map[string]any{"notifications": pending})
}

func (a *App) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	out, err := a.engine.HandleNotificationClick(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrUnknownNotification):
		http.Error(w, "notification not found", http.StatusNotFound)
		return
	case errors.Is(err, model.ErrNotificationExpired):
		http.Error(w, "notification expired", http.StatusGone)
		return
	default:
		a.logger.Error("notification click failed", "notification", id, "error", err)
		http.Error(w, "failed to handle click", http.StatusInternalServerError)
		return
	}

	a.respond(w, http.StatusOK, map[string]any{
		"notification": id,
		"action":       out.Action.ID,
		"stage":        out.Stage.String(),
		"delivered":    out.Delivered(),
	})
}

type appState struct {
	Foreground bool   `json:"foreground"`
	UserID     string `json:"user_id"`
}

func (a *App) currentState() appState {
	st := appState{Foreground: a.engine.Foreground()}
	if a.reco != nil {
		st.UserID = a.reco.UserID()
	}
	return st
}

func (a *App) handleAppState(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK, a.currentState())
}

func (a *App) updateAppState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Foreground          *bool   `json:"foreground"`
		UserID              *string `json:"user_id"`
		NetworkRestored     bool    `json:"network_restored"`
		SignificantLocation bool    `json:"significant_location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if req.Foreground != nil {
		if err := a.engine.SetForeground(*req.Foreground); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}

	if req.UserID != nil {
		if a.reco == nil {
			http.Error(w, "recommendations disabled", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()
		if err := a.reco.SetUser(ctx, *req.UserID); err != nil {
			a.logger.Error("failed to switch user", "error", err)
			http.Error(w, "failed to switch user", http.StatusInternalServerError)
			return
		}
		if err := a.store.UpsertAppConfig(ctx, recoUserKey, strings.TrimSpace(*req.UserID)); err != nil {
			a.logger.Error("failed to persist user", "error", err)
		}
	}

	if req.NetworkRestored {
		if err := a.engine.PublishAsync(model.TopicNetworkRestored, nil); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	if req.SignificantLocation {
		a.engine.Bus().PublishBuffered(model.TopicLocationSignificant, nil, time.Second)
	}

	// wait for the engine to apply the queued state change before reporting it
	if err := a.engine.Do(r.Context(), func() {}); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	a.respond(w, http.StatusOK, a.currentState())
}

type cartView struct {
	Lines      []cart.Line `json:"lines"`
	Size       int         `json:"size"`
	Total      float64     `json:"total"`
	Currency   string      `json:"currency,omitempty"`
	ModifiedAt time.Time   `json:"modified_at"`
}

func (a *App) cartSnapshot(currency string) cartView {
	lines := a.cart.Lines()
	if currency == "" && len(lines) > 0 {
		currency = lines[0].Item.Currency
	}
	return cartView{
		Lines:      lines,
		Size:       a.cart.Size(),
		Total:      a.cart.Total(currency),
		Currency:   currency,
		ModifiedAt: a.cart.ModifiedAt(),
	}
}

func (a *App) saveCartLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return a.store.SaveCart(ctx, a.cart)
}

func (a *App) handleCart(w http.ResponseWriter, r *http.Request) {
	a.cartMu.Lock()
	view := a.cartSnapshot(r.URL.Query().Get("currency"))
	a.cartMu.Unlock()
	a.respond(w, http.StatusOK, view)
}

func (a *App) handleCartAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Item     model.Item `json:"item"`
		Quantity int        `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	a.cartMu.Lock()
	defer a.cartMu.Unlock()
	if err := a.cart.Add(req.Item, req.Quantity); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.saveCartLocked(r.Context()); err != nil {
		a.logger.Error("failed to persist cart", "error", err)
		http.Error(w, "failed to persist cart", http.StatusInternalServerError)
		return
	}
	a.respond(w, http.StatusOK, a.cartSnapshot(""))
}

func (a *App) handleCartRemove(w http.ResponseWriter, r *http.Request) {
	a.cartMu.Lock()
	defer a.cartMu.Unlock()
	removed, err := a.cart.Remove(r.PathValue("item"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !removed {
		http.Error(w, "item not in cart", http.StatusNotFound)
		return
	}
	if err := a.saveCartLocked(r.Context()); err != nil {
		a.logger.Error("failed to persist cart", "error", err)
		http.Error(w, "failed to persist cart", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCheckout completes the purchase and reports every line as a buy to the
// recommendation client of the line's category.
func (a *App) handleCheckout(w http.ResponseWriter, r *http.Request) {
	a.cartMu.Lock()
	defer a.cartMu.Unlock()

	if !a.cart.BeginCheckout() {
		http.Error(w, "cart is empty or checkout already started", http.StatusConflict)
		return
	}
	purchased, _ := a.cart.CompleteCheckout()
	if err := a.saveCartLocked(r.Context()); err != nil {
		a.logger.Error("failed to persist cart", "error", err)
	}

	if a.reco != nil {
		for _, l := range purchased {
			if l.Item.Category == "" {
				continue
			}
			c, err := a.reco.CreateClient(r.Context(), l.Item.Category)
			if err != nil {
				a.logger.Warn("checkout: reco client unavailable", "category", l.Item.Category, "error", err)
				continue
			}
			if err := c.TrackBuy(l.Item.ID, l.Quantity, l.Item.UnitPrice, false); err != nil {
				a.logger.Warn("checkout: track buy failed", "item", l.Item.ID, "error", err)
			}
		}
	}

	a.logger.Info("checkout completed", "lines", len(purchased))
	a.respond(w, http.StatusOK, map[string]any{"purchased": purchased})
}

func (a *App) handleItemSet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	set, found, err := a.store.LoadItemSet(ctx, r.PathValue("name"), a.clock)
	if err != nil {
		a.logger.Error("failed to load item set", "name", r.PathValue("name"), "error", err)
		http.Error(w, "failed to load item set", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "item set not found", http.StatusNotFound)
		return
	}
	a.respond(w, http.StatusOK, map[string]any{
		"name":        set.Name(),
		"items":       set.Items(),
		"modified_at": set.ModifiedAt(),
	})
}

// handleItemSetPut adds and removes ids on the named set, creating it when missing.
func (a *App) handleItemSetPut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Add    []string `json:"add"`
		Remove []string `json:"remove"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	name := r.PathValue("name")
	set, found, err := a.store.LoadItemSet(ctx, name, a.clock)
	if err != nil {
		a.logger.Error("failed to load item set", "name", name, "error", err)
		http.Error(w, "failed to load item set", http.StatusInternalServerError)
		return
	}
	if !found {
		set = cart.NewItemSet(name, a.clock)
	}
	if _, err := set.AddAll(req.Add); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, id := range req.Remove {
		set.Remove(id)
	}
	if err := a.store.SaveItemSet(ctx, set); err != nil {
		if errors.Is(err, model.ErrInvalidArgument) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.logger.Error("failed to save item set", "name", name, "error", err)
		http.Error(w, "failed to save item set", http.StatusInternalServerError)
		return
	}
	a.respond(w, http.StatusOK, map[string]any{"name": set.Name(), "items": set.Items()})
}

func (a *App) handleIngestionErrors(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	errs, err := a.store.RecentIngestionErrors(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		http.Error(w, "failed to load errors", http.StatusInternalServerError)
		return
	}
	a.respond(w, http.StatusOK, map[string]any{"errors": errs})
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Error("failed to load app config", "error", err)
		http.Error(w, "failed to load config", http.StatusInternalServerError)
		return
	}

	active := map[string]any{
		"http_port":       a.cfg.HTTPPort,
		"metrics_port":    a.cfg.MetricsPort,
		"database_path":   a.cfg.DatabasePath,
		"registry_path":   a.cfg.RegistryPath,
		"log_level":       a.cfg.LogLevel,
		"mqtt_broker":     a.cfg.MQTTBrokerURL,
		"grace_window":    a.cfg.GraceWindow.String(),
		"action_cooldown": a.cfg.ActionCooldown.String(),
		"pending_ttl":     a.cfg.PendingTTL.String(),
		"reco_endpoint":   a.cfg.RecoEndpoint,
		"mdns":            a.cfg.MDNSEnabled,
	}

	a.respond(w, http.StatusOK, struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}{Active: active, Persisted: persisted})
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.WipeData(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		http.Error(w, "failed to wipe data", http.StatusInternalServerError)
		return
	}

	a.cartMu.Lock()
	a.cart.Clear()
	a.cartMu.Unlock()

	a.logger.Warn("wipe: engine data cleared")
	w.WriteHeader(http.StatusNoContent)
}
