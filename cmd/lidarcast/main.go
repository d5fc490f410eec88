// Command lidarcast reads rotations from a serial RPLIDAR and publishes a
// quantized snapshot of the latest one at a fixed rate over MQTT, NATS,
// Redis and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/lidarcast/internal/acquisition"
	"github.com/banshee-data/lidarcast/internal/config"
	"github.com/banshee-data/lidarcast/internal/device"
	"github.com/banshee-data/lidarcast/internal/fsutil"
	"github.com/banshee-data/lidarcast/internal/publisher"
	"github.com/banshee-data/lidarcast/internal/serialport"
	"github.com/banshee-data/lidarcast/internal/transport"
	"github.com/banshee-data/lidarcast/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a .json or .yaml config file")
	port        = flag.String("port", "", "Serial port to use (overrides config; empty tries the candidate list)")
	listen      = flag.String("listen", "", "Debug/WebSocket listen address (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(fsys fsutil.FileSystem, path, portFlag, listenFlag string) (*config.Config, error) {
	cfg := config.Empty()
	if path != "" {
		var err error
		if cfg, err = config.Load(fsys, path); err != nil {
			return nil, err
		}
	}
	if portFlag != "" {
		cfg.Port = &portFlag
	}
	if listenFlag != "" {
		cfg.Listen = &listenFlag
	}
	return cfg, cfg.Validate()
}

// dialSinks connects every enabled transport. A transport that cannot be
// reached is logged and left out so the others still run.
func dialSinks(ctx context.Context, cfg *config.Config) (transport.Sink, *transport.WebSocketSink) {
	var sinks []transport.Sink

	if cfg.MQTT.GetEnabled() {
		s, err := transport.DialMQTT(transport.MQTTOptions{
			Broker:    cfg.MQTT.GetBroker(),
			Port:      cfg.MQTT.GetPort(),
			KeepAlive: cfg.MQTT.GetKeepAlive(),
			ClientID:  cfg.MQTT.GetClientID(),
		})
		if err != nil {
			log.Printf("MQTT disabled: %v", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	if cfg.NATS.GetEnabled() {
		s, err := transport.DialNATS(transport.NATSOptions{
			URL:     cfg.NATS.GetURL(),
			Subject: cfg.NATS.GetSubject(),
		})
		if err != nil {
			log.Printf("NATS disabled: %v", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	if cfg.Redis.GetEnabled() {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		s, err := transport.DialRedis(dialCtx, transport.RedisOptions{
			Addr:      cfg.Redis.GetAddr(),
			Password:  cfg.Redis.GetPassword(),
			DB:        cfg.Redis.GetDB(),
			LatestTTL: cfg.Redis.GetLatestTTL(),
		})
		cancel()
		if err != nil {
			log.Printf("Redis disabled: %v", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	var ws *transport.WebSocketSink
	if cfg.WebSocket.GetEnabled() {
		ws = transport.NewWebSocketSink(cfg.WebSocket.GetAllowedOrigins()...)
		sinks = append(sinks, ws)
	}

	if len(sinks) == 0 {
		log.Printf("no transport enabled, packets will be discarded")
	}
	return transport.Join(sinks...), ws
}

// newSession builds the device session from the serial settings.
func newSession(cfg *config.Config) *device.Session {
	driver := device.NewRPLidarDriver(serialport.PortOptions{BaudRate: cfg.GetBaudRate()})
	opts := []device.Option{device.WithPort(cfg.GetPort())}
	if c := cfg.GetCandidates(); len(c) > 0 {
		opts = append(opts, device.WithCandidates(c))
	}
	return device.NewSession(driver, opts...)
}

// newMux mounts the debug pages and, when enabled, the websocket endpoint.
func newMux(reader *acquisition.Reader, pub *publisher.Publisher, ws *transport.WebSocketSink, wsPath string) *http.ServeMux {
	mux := http.NewServeMux()
	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.String())
	reader.AttachAdminRoutes(mux)
	pub.AttachAdminRoutes(mux)
	if ws != nil {
		mux.Handle(wsPath, ws)
		debug.KVFunc("WebSocket clients", func() any { return ws.Clients() })
	}
	return mux
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(fsutil.OSFileSystem{}, *configPath, *port, *listen)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("starting %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, ws := dialSinks(ctx, cfg)

	reader := acquisition.NewReader(newSession(cfg),
		acquisition.WithReconnectDelay(cfg.GetReconnectDelay()),
		acquisition.WithStopTimeout(cfg.GetStopTimeout()),
	)
	if err := reader.Start(); err != nil {
		log.Fatalf("failed to start reader: %v", err)
	}

	pub := publisher.New(reader, sink, cfg.GetTopic(),
		publisher.WithInterval(cfg.GetPublishInterval()),
	)

	server := &http.Server{
		Addr:              cfg.GetListen(),
		Handler:           newMux(reader, pub, ws, cfg.WebSocket.GetPath()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server on %s failed: %v", server.Addr, err)
		}
	}()
	log.Printf("debug pages on http://%s/debug/", server.Addr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("publisher stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	// Stop producing packets before the sinks go away.
	wg.Wait()
	reader.Stop()
	if err := sink.Close(); err != nil {
		log.Printf("closing transports: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		server.Close()
	}

	log.Printf("Graceful shutdown complete")
}
