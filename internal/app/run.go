package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"devicetracker-server/internal/auth"
	"devicetracker-server/internal/config"
	"devicetracker-server/internal/db"
	"devicetracker-server/internal/httpapi"
	"devicetracker-server/internal/migrate"
	"devicetracker-server/internal/modules/tracker"
	"devicetracker-server/internal/modules/tracker/registry"
	"devicetracker-server/internal/modules/tracker/service"
	"devicetracker-server/internal/modules/tracker/state"
	"devicetracker-server/internal/modules/tracker/telemetry"
	"devicetracker-server/internal/modules/tracker/types"
	"devicetracker-server/internal/modules/tracker/views"
	"devicetracker-server/internal/mqtt"
)

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"sqliteDriver", cfg.SQLiteDriver,
		"sqlitePath", cfg.SQLitePath,
		"sqliteMaxOpenConns", cfg.SQLiteMaxOpenConns,
		"sqliteMaxIdleConns", cfg.SQLiteMaxIdleConns,
		"sqliteConnMaxLifetime", cfg.SQLiteConnMaxLifetime,
		"telemetryBaseURL", cfg.TelemetryBaseURL,
		"telemetryAccount", cfg.TelemetryAccount,
		"telemetryTimeout", cfg.TelemetryTimeout,
		"fetchConcurrency", cfg.FetchConcurrency,
		"pollInterval", cfg.PollInterval,
		"sessionIdleTimeout", cfg.SessionIdleTimeout,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
	)

	dbConn, err := db.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			slog.Error("db close", "error", closeErr)
		}
	}()

	if err := migrate.Run(ctx, dbConn); err != nil {
		return err
	}

	reg, err := registry.Load(ctx, dbConn)
	if err != nil {
		return fmt.Errorf("load device registry: %w", err)
	}
	slog.Info("device registry loaded", "devices", len(reg.ListDevices()))

	if err := views.LoadTemplates(); err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	logger := slog.Default()
	gate := auth.NewGate(auth.Options{
		ClientID:      cfg.OAuthClientID,
		ClientSecret:  cfg.OAuthClientSecret,
		RedirectURL:   cfg.OAuthRedirectURL,
		AuthURL:       cfg.OAuthAuthURL,
		TokenURL:      cfg.OAuthTokenURL,
		UserInfoURL:   cfg.OAuthUserInfoURL,
		Scopes:        cfg.OAuthScopes,
		SessionSecret: cfg.SessionSecret,
		SecureCookie:  cfg.AppEnv == "prod",
	}, logger.With("component", "auth"))

	client := telemetry.NewClient(telemetry.Options{
		BaseURL: cfg.TelemetryBaseURL,
		Account: cfg.TelemetryAccount,
		APIKey:  cfg.TelemetryAPIKey,
		Timeout: cfg.TelemetryTimeout,
		Limit:   cfg.TelemetryLimit,
	})
	trackerLogger := logger.With("component", "tracker")
	fetcher := service.NewFetcher(client, reg, cfg.FetchConcurrency, trackerLogger)
	svc := service.NewService(state.NewSessions(), fetcher, trackerLogger)
	svc.SetIdleTimeout(cfg.SessionIdleTimeout)

	mux := httpapi.NewMux(dbConn)
	hub := tracker.RegisterFeature(mux, gate, svc, reg, mapConfig(cfg), trackerLogger)

	var subscriber *mqtt.Subscriber
	if cfg.MQTTEnabled() {
		subscriber, err = mqtt.NewSubscriber(cfg, logger.With("component", "mqtt"))
		if err != nil {
			return err
		}
		// The handler must be set before Connect: the broker may deliver
		// retained values right after SUBACK.
		svc.Register(ctx, subscriber, reg)

		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err = subscriber.Connect(connectCtx)
		connectCancel()
		if err != nil {
			slog.Warn("mqtt connection failed (continuing without feed notifications)", "error", err)
		}
	}

	var wg sync.WaitGroup
	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	wg.Add(2)
	go func() {
		defer wg.Done()
		service.NewPoller(svc, cfg.PollInterval, trackerLogger).Run(pollCtx)
	}()
	go func() {
		defer wg.Done()
		service.NewJanitor(cfg.SessionIdleTimeout, trackerLogger, svc, gate).Run(pollCtx)
	}()

	srv := httpapi.NewServer(cfg, mux)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stopPolling()
		wg.Wait()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopPolling()
	wg.Wait()

	if subscriber != nil {
		slog.Info("mqtt disconnecting")
		subscriber.Disconnect()
	}

	slog.Info("http shutting down")
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}

func mapConfig(cfg config.Config) views.MapConfig {
	return views.MapConfig{
		APIKey:           cfg.MapsAPIKey,
		MapID:            cfg.MapID,
		Center:           types.LatLng{Lat: cfg.MapCenterLat, Lng: cfg.MapCenterLng},
		Zoom:             cfg.MapZoom,
		DisableDefaultUI: cfg.MapDisableDefaultUI,
		StrokeColor:      cfg.MapStrokeColor,
	}
}
