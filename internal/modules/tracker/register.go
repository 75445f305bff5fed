package tracker

import (
	"log/slog"
	"net/http"

	"devicetracker-server/internal/modules/tracker/controller"
	"devicetracker-server/internal/modules/tracker/registry"
	"devicetracker-server/internal/modules/tracker/service"
	"devicetracker-server/internal/modules/tracker/views"
)

// RegisterFeature mounts the tracker pages, API and websocket on mux. The
// returned hub must be closed on shutdown.
func RegisterFeature(mux *http.ServeMux, gate controller.Gate, svc *service.Service, reg *registry.Registry, mapCfg views.MapConfig, logger *slog.Logger) *controller.Hub {
	hub := controller.NewHub(logger)
	svc.SetNotifier(hub)
	trackerController := controller.NewTrackerController(gate, svc, reg, mapCfg, hub, logger)
	trackerController.RegisterRoutes(mux)
	return hub
}
