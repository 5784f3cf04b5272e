package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/cmd/application"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/cmd/config"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsShutdownTimeout = 2 * time.Second

func listDevices(api audioapi.AudioIODeviceAPI) error {
	render, err := api.RenderDevices()
	if err != nil {
		return fmt.Errorf("failed to enumerate render devices: %w", err)
	}
	capture, err := api.CaptureDevices()
	if err != nil {
		return fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	fmt.Println("Render devices (* = default):")
	for _, d := range render {
		fmt.Println("  " + d.String())
	}
	fmt.Println("Capture devices (* = default):")
	for _, d := range capture {
		fmt.Println("  " + d.String())
	}
	fmt.Printf("Sentinels: %q, %q\n", audioapi.DefaultOutputName, audioapi.NoneDeviceName)
	return nil
}

func serveMetrics(address string, session *application.Session) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		session.Collector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("serving metrics", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("error during metrics listen and serve", "err", err)
		}
	}()
	return server
}

func run() int {
	configFilePath := flag.String("config", "shakerrouter.json", "Set the file path to the engine config file.")
	listDevicesFlag := flag.Bool("list-devices", false, "List render and capture devices and exit.")
	uiFlag := flag.Bool("ui", false, "Launch the configuration surface.")
	metricsAddress := flag.String("metrics-address", "", "Serve prometheus metrics on this address, overriding the config.")
	recordPath := flag.String("record", "", "Record the output mix to this .WAV file, overriding the config.")
	flag.Parse()

	if *uiFlag {
		fmt.Fprintln(os.Stderr, "the configuration surface is not part of this binary; edit the config file instead")
		return 2
	}

	if *listDevicesFlag {
		api, err := audioapi.NewMalgoApi(nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer api.Close()
		if err := listDevices(api); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	cfg, err := config.Load(*configFilePath, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *metricsAddress != "" {
		cfg.MetricsAddress = *metricsAddress
	}
	if *recordPath != "" {
		cfg.RecordPath = *recordPath
	}

	logFilePointer, err := utils.ConfigureDefaultLogger(cfg.LogLevel, cfg.LogFile, slog.HandlerOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error while configuring default logger:", err)
		return 1
	}
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	api, err := audioapi.NewMalgoApi(slog.Default())
	if err != nil {
		slog.Error("error while creating audio API", "err", err)
		return 1
	}
	defer api.Close()

	session, err := application.NewSession(cfg, application.Options{API: api})
	if err != nil {
		slog.Error("error while building session", "err", err)
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer session.Close()

	for _, warning := range session.Warnings() {
		fmt.Fprintln(os.Stderr, "warning:", warning)
	}
	if rejected := session.RejectedRates(); len(rejected) > 0 {
		slog.Warn(
			"output device rejected sample rates, add them to blacklistedSampleRates",
			"rejected", rejected,
			"blacklistedSampleRates", session.BlacklistedRates(),
		)
	}

	if cfg.MetricsAddress != "" {
		server := serveMetrics(cfg.MetricsAddress, session)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			_ = server.Shutdown(ctx)
		}()
	}

	if err := session.Start(); err != nil {
		slog.Error("error while starting session", "err", err)
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// --------------------------------------------------------------------------------

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		slog.Info("shutting down", "signal", sig.String())
	case <-session.Done():
		slog.Error("session failed, shutting down", "err", session.Err())
		fmt.Fprintln(os.Stderr, session.Err())
		session.Close()
		return 1
	}

	if err := session.Close(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
