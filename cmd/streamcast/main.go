package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"streamcast/internal/handlers"
	"streamcast/internal/hub"
	"streamcast/internal/ingest"
	"streamcast/internal/metrics"
	"streamcast/internal/rtc"
	"streamcast/internal/stream"
	"streamcast/internal/transcode"
	"streamcast/pkg/config"
	"streamcast/pkg/logging"
	"streamcast/pkg/monitoring"
	"streamcast/pkg/server"
	"streamcast/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("streamcast")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Streamcast (live stream relay)")

	httpPort := config.GetEnv("HTTP_PORT", "8000")
	rtmpPort := config.GetEnv("RTMP_PORT", "1935")
	mediaHTTPPort := config.GetEnv("MEDIA_HTTP_PORT", "8888")
	streamApp := config.GetEnv("STREAM_APP", "live")
	streamKey := config.GetEnv("STREAM_KEY", "stream")
	outputDir := config.GetEnv("OUTPUT_DIR", "./media")

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		logger.WithError(err).Fatal("Failed to create output directory")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("streamcast", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("streamcast", version.Version, version.GitCommit)

	serviceMetrics := &metrics.Metrics{
		ViewerSessions:         metricsCollector.NewGauge("viewer_sessions_active", "Active WebSocket viewer sessions", []string{"channel"}),
		PullClients:            metricsCollector.NewGauge("pull_clients_active", "Active protocol pull clients", []string{"channel"}),
		StreamLive:             metricsCollector.NewGauge("stream_live", "Whether the configured stream is live", []string{"stream"}),
		TranscodeJobs:          metricsCollector.NewGauge("transcode_jobs_active", "Active transcode jobs", []string{"stream"}),
		TranscodeRestarts:      metricsCollector.NewCounter("transcode_restarts_total", "Automatic transcode crash restarts", []string{"stream"}),
		NegotiationTransitions: metricsCollector.NewCounter("negotiation_transitions_total", "Viewer negotiation phase transitions", []string{"phase"}),
	}

	// Identity and authoritative stream state
	registry := stream.NewRegistry(streamApp, streamKey)
	state := stream.NewState(registry.Identity())
	streamPath := registry.Identity().Path()

	// Transcode supervisor
	transcodeCfg := transcode.Config{
		FFmpegPath:     config.GetEnv("FFMPEG_PATH", "ffmpeg"),
		IngestURL:      fmt.Sprintf("rtmp://127.0.0.1:%s", rtmpPort),
		OutputDir:      outputDir,
		SegmentSeconds: config.GetEnvInt("SEGMENT_SECONDS", 2),
		PlaylistLength: config.GetEnvInt("PLAYLIST_LENGTH", 6),
		RestartBudget:  config.GetEnvInt("TRANSCODE_RESTART_BUDGET", 2),
		RestartBackoff: config.GetEnvDuration("TRANSCODE_RESTART_BACKOFF", 2*time.Second),
	}
	supervisor := transcode.NewSupervisor(transcodeCfg, logger,
		transcode.WithExhaustedFunc(func(identity stream.Identity, err error) {
			state.SetLastError(err.Error())
			serviceMetrics.TranscodeJobs.WithLabelValues(identity.Path()).Set(0)
			logger.WithError(err).Error("Transcoder gave up, stream degraded to passthrough only")
		}),
		transcode.WithRestartFunc(func(identity stream.Identity) {
			serviceMetrics.TranscodeRestarts.WithLabelValues(identity.Path()).Inc()
		}),
	)

	// Presence hub and the peer-connection signaling leg
	presenceHub := hub.NewHub(state, logger)
	presenceHub.SetCountChangeFunc(func(count int) {
		serviceMetrics.ViewerSessions.WithLabelValues("viewers").Set(float64(count))
	})

	router := rtc.NewRouter(state, logger)
	signaler := rtc.NewSignaler(rtc.Config{
		AnnouncedIP: config.GetEnv("ANNOUNCED_IP", "127.0.0.1"),
		MediaPort:   config.GetEnvInt("MEDIA_UDP_PORT", 10000),
	}, router, logger)
	signaler.SetTransitionFunc(func(phase rtc.Phase) {
		serviceMetrics.NegotiationTransitions.WithLabelValues(phase.String()).Inc()
	})
	presenceHub.SetRequestHandler(signaler)
	presenceHub.SetDisconnectFunc(signaler.CloseSession)
	go presenceHub.Run()

	// Ingest lifecycle tracking. The presence adapter keeps the stream
	// and job gauges aligned with the notifications the hub fans out.
	presence := &meteredPresence{
		hub:        presenceHub,
		supervisor: supervisor,
		metrics:    serviceMetrics,
	}
	tracker := ingest.NewTracker(registry, state, supervisor, presence, logger)
	hookController := ingest.NewHookController(tracker, logger)

	// Health checks
	healthChecker.AddCheck("ffmpeg", monitoring.BinaryHealthCheck("ffmpeg", transcodeCfg.FFmpegPath))
	healthChecker.AddCheck("output_dir", monitoring.DirectoryWritableHealthCheck(outputDir))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"STREAM_APP": streamApp,
		"STREAM_KEY": streamKey,
	}))
	healthChecker.AddCheck("media_http", monitoring.HTTPServiceHealthCheck(
		"media delivery", fmt.Sprintf("http://127.0.0.1:%s/", mediaHTTPPort)))

	// HTTP surface
	ginRouter := server.SetupServiceRouter(logger, "streamcast", healthChecker, metricsCollector)

	serviceHandlers := handlers.New(presenceHub, supervisor, healthChecker, handlers.Locators{
		HTTPPort:      httpPort,
		IngestPort:    rtmpPort,
		MediaHTTPPort: mediaHTTPPort,
		StreamApp:     streamApp,
	}, logger)

	ginRouter.GET("/health", serviceHandlers.HandleHealth)
	ginRouter.GET("/api/info", serviceHandlers.HandleInfo)
	ginRouter.GET("/api/stats", serviceHandlers.HandleStats)
	ginRouter.GET("/ws", serviceHandlers.HandleWebSocket)
	hookController.Register(ginRouter)
	ginRouter.NoRoute(serviceHandlers.HandleNotFound)

	logger.WithFields(logging.Fields{
		"stream_path": streamPath,
		"http_port":   httpPort,
		"rtmp_port":   rtmpPort,
	}).Info("Streamcast configured")

	// Start server with graceful shutdown: close viewer sessions, then
	// stop all transcode jobs so no subprocess outlives the parent.
	serverConfig := server.DefaultConfig("streamcast", httpPort)
	err := server.Start(serverConfig, ginRouter, logger,
		func(ctx context.Context) {
			presenceHub.Close()
		},
		func(ctx context.Context) {
			deadline := 10 * time.Second
			if d, ok := ctx.Deadline(); ok {
				deadline = time.Until(d)
			}
			supervisor.StopAll(deadline)
		},
	)
	if err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

// meteredPresence forwards tracker notifications to the hub and mirrors
// them into the service gauges
type meteredPresence struct {
	hub        *hub.Hub
	supervisor *transcode.Supervisor
	metrics    *metrics.Metrics
}

func (p *meteredPresence) BroadcastStreamStatus(live bool, path string) {
	liveValue := 0.0
	if live {
		liveValue = 1.0
	}
	p.metrics.StreamLive.WithLabelValues(path).Set(liveValue)
	p.metrics.TranscodeJobs.WithLabelValues(path).Set(float64(p.supervisor.Count()))
	p.hub.BroadcastStreamStatus(live, path)
}

func (p *meteredPresence) PullClientConnected(connectionID string) {
	p.hub.PullClientConnected(connectionID)
	p.metrics.PullClients.WithLabelValues("protocol").Set(float64(p.hub.PullClientCount()))
}

func (p *meteredPresence) PullClientDisconnected(connectionID string) {
	p.hub.PullClientDisconnected(connectionID)
	p.metrics.PullClients.WithLabelValues("protocol").Set(float64(p.hub.PullClientCount()))
}
