package main

import (
	"context"
	"errors"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"racesim-server/api"
	"racesim-server/config"
	"racesim-server/logger"
	"racesim-server/server"
	"racesim-server/spline"
	"racesim-server/traffic"
)

func main() {
	srvCfg := config.LoadServerConfig()
	log, err := logger.New(srvCfg.LogLevel)
	if err != nil {
		stdlog.Fatalf("logger: %v", err)
	}
	defer log.Sync()

	// Traffic configuration, hot reloaded from CONFIG_FILE.
	loader := config.NewLoader(srvCfg.ConfigFile, log)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatal("Config: load failed", zap.String("path", srvCfg.ConfigFile), zap.Error(err))
	}
	store := config.NewStore(cfg)
	loader.Watch(store)

	// gRPC health reports NOT_SERVING until the spline is ready.
	grpcSrv := api.NewGRPCServer(log)
	lis, err := net.Listen("tcp", srvCfg.GRPCAddr)
	if err != nil {
		log.Fatal("gRPC: listen failed", zap.String("addr", srvCfg.GRPCAddr), zap.Error(err))
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error("gRPC: serve failed", zap.Error(err))
		}
	}()

	index, err := spline.LoadOrBuild(srvCfg.TrackDir, srvCfg.CacheDir, spline.BuildOptions{
		TwoWay:    cfg.Ai.TwoWayTraffic,
		LaneWidth: cfg.Ai.LaneWidth,
		Log:       log,
	})
	if err != nil {
		log.Fatal("Spline: load failed", zap.String("track", srvCfg.TrackDir), zap.Error(err))
	}
	defer index.Close()

	registry := server.NewRegistry(log)
	sched := traffic.NewScheduler(index, store, registry, registry, log)
	loop := server.NewLoop(sched, registry, log)
	density := traffic.NewDensityController(store, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go density.Run(ctx)
	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()
	grpcSrv.SetServing(true)

	metrics := api.NewMetricsHandler(sched, loop)
	router := api.NewRouter(srvCfg.CORSOrigins, metrics, server.NewRaceServer(loop, log).HandleConnections, log)
	httpSrv := &http.Server{
		Addr:         srvCfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  srvCfg.ReadTimeout,
		WriteTimeout: srvCfg.WriteTimeout,
	}
	go func() {
		log.Info("Server: started", zap.String("addr", srvCfg.HTTPAddr), zap.Int("slots", len(sched.Slots())), zap.Int("points", index.PointCount()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metrics.RecordWebSocketError(err.Error())
			log.Error("Server: ListenAndServe failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Server: shutting down", zap.Duration("grace", srvCfg.ShutdownGrace))
	metrics.SetWebSocketStatus(api.WebSocketStopping)
	grpcSrv.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server: HTTP shutdown incomplete", zap.Error(err))
	}
	<-loopDone
	grpcSrv.Stop()
}
