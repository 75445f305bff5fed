package controller

import (
	"context"
	"log/slog"
	"net/http"

	"devicetracker-server/internal/auth"
	"devicetracker-server/internal/modules/tracker/service"
	"devicetracker-server/internal/modules/tracker/state"
	"devicetracker-server/internal/modules/tracker/views"
)

// Gate is the identity layer in front of the tracker routes.
type Gate interface {
	Sessions(next http.Handler) http.Handler
	Middleware(next http.Handler) http.Handler
	SignIn(w http.ResponseWriter, r *http.Request)
	Callback(ctx context.Context, w http.ResponseWriter, r *http.Request) (auth.User, error)
	SignOut(r *http.Request)
	CurrentUser(r *http.Request) (auth.User, bool)
	Touch(sessionID string)
	OnAuthChange(sessionID string, listener func(*auth.User)) func()
}

// Tracker owns selection and telemetry per browser session.
type Tracker interface {
	Toggle(ctx context.Context, sessionID, deviceID string) (state.Selection, service.RefreshResult)
	Refresh(ctx context.Context, sessionID string) service.RefreshResult
	Sessions() *state.Sessions
}

type TrackerController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type trackerControllerImpl struct {
	gate    Gate
	tracker Tracker
	devices views.Devices
	mapCfg  views.MapConfig
	hub     *Hub
	logger  *slog.Logger
}

func NewTrackerController(gate Gate, tracker Tracker, devices views.Devices, mapCfg views.MapConfig, hub *Hub, logger *slog.Logger) TrackerController {
	return &trackerControllerImpl{
		gate:    gate,
		tracker: tracker,
		devices: devices,
		mapCfg:  mapCfg,
		hub:     hub,
		logger:  logger,
	}
}

func (c *trackerControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	open := func(h http.HandlerFunc) http.Handler {
		return c.gate.Sessions(h)
	}
	guarded := func(h http.HandlerFunc) http.Handler {
		return c.gate.Sessions(c.gate.Middleware(h))
	}

	mux.Handle("GET /{$}", open(c.handleIndex))
	mux.Handle("GET /auth/login", open(c.gate.SignIn))
	mux.Handle("GET /auth/callback", open(c.handleCallback))
	mux.Handle("POST /auth/logout", open(c.handleLogout))
	mux.Handle("GET /ws", open(c.handleWS))

	mux.Handle("POST /devices/{id}/toggle", guarded(c.handleToggleForm))
	mux.Handle("POST /refresh", guarded(c.handleRefreshForm))
	mux.Handle("GET /partials/devices", guarded(c.handleDevicesPartial))

	mux.Handle("GET /api/v1/devices", guarded(c.handleDevices))
	mux.Handle("GET /api/v1/selection", guarded(c.handleSelection))
	mux.Handle("POST /api/v1/devices/{id}/toggle", guarded(c.handleToggle))
	mux.Handle("POST /api/v1/refresh", guarded(c.handleRefresh))
	mux.Handle("GET /api/v1/map", guarded(c.handleMap))

	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(views.StaticFS())))
}
