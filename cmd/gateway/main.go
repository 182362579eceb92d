// Command gateway serves the catalog application shell through an
// interception cache, so the shell keeps loading while the catalog server is
// unreachable.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catalog-editor/offline"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// registerTimeout bounds installing one generation.
const registerTimeout = 2 * time.Minute

func newProxy(origin *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Origin unreachable and nothing cached")
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		},
	}
}

// register installs gen in the background. Failures leave the previous
// generation serving.
func register(container *offline.Container, gen offline.Generation) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		defer cancel()

		log := logrus.WithField("generation", gen.Name)
		if err := container.Register(ctx, gen); err != nil {
			if errors.Is(err, offline.ErrSuperseded) {
				log.Info("Generation superseded before activation")
				return
			}
			log.WithError(err).Error("Failed to register generation")
			return
		}
		log.Info("Generation active")
	}()
}

// reload re-reads the config and registers its generation when the name
// changed. Listen address and cache backend need a restart.
func reload(path string, current *Config, container *offline.Container) *Config {
	next, err := LoadConfig(path)
	if err != nil {
		logrus.WithError(err).Error("Reload failed, keeping current config")
		return current
	}
	if next.Listen != current.Listen || next.Cache != current.Cache || next.Origin != current.Origin {
		logrus.Warn("listen, origin and cache changes take effect after a restart")
		next.Listen, next.Cache, next.Origin = current.Listen, current.Cache, current.Origin
	}
	if next.Generation == current.Generation {
		logrus.WithField("generation", next.Generation).Info("Generation unchanged")
		return next
	}
	register(container, next.CacheGeneration())
	return next
}

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	configPath := flag.String("config", "gateway.yaml", "Path to the gateway configuration.")
	logLevel := flag.String("loglevel", "info", "The log level (debug, info, warn, error).")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	storage, closeStorage, err := openCacheStorage(cfg.Cache)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open cache storage")
	}
	defer closeStorage()
	logrus.WithFields(logrus.Fields{"type": cfg.Cache.Type, "path": cfg.Cache.Path}).Info("Use cache storage")

	container := offline.NewContainer(storage, http.DefaultTransport)
	defer container.Close()
	register(container, cfg.CacheGeneration())

	srv := &http.Server{Addr: cfg.Listen, Handler: newProxy(cfg.OriginURL(), container)}
	logrus.WithFields(logrus.Fields{"addr": cfg.Listen, "origin": cfg.Origin}).Info("starting gateway")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start gateway").Fatal(err)
		}
	}()

	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	for s := range signalC {
		if s == syscall.SIGHUP {
			cfg = reload(*configPath, cfg, container)
			continue
		}
		break
	}

	logrus.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Gateway did not shut down cleanly")
	}
}
