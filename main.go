package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	authsvc "catalog-editor/auth"
	"catalog-editor/catalog"
	"catalog-editor/core"
	"catalog-editor/handlers/api/categories"
	"catalog-editor/handlers/auth"
	"catalog-editor/handlers/realtime"
	authMiddleware "catalog-editor/middleware"
	"catalog-editor/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

//go:embed all:web
var assets embed.FS

func handleUI() http.HandlerFunc {
	sub, err := fs.Sub(assets, "web")
	if err != nil {
		panic(err)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name == "" {
			name = "index.html"
		}

		data, err := fs.ReadFile(sub, name)
		if errors.Is(err, fs.ErrNotExist) && !strings.Contains(path.Base(name), ".") {
			// client-side route
			name = "index.html"
			data, err = fs.ReadFile(sub, name)
		}
		if err != nil {
			http.NotFound(w, r)
			return
		}

		contentType := mime.TypeByExtension(path.Ext(name))
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		w.Header().Set("Content-Type", contentType)
		if _, err := w.Write(data); err != nil {
			logrus.WithError(err).WithField("path", name).Debug("Failed to write asset")
		}
	}
}

// handleObjects serves images of object stores whose download URLs point back
// at this server.
func handleObjects(opener stores.ObjectOpener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		objectPath, err := url.PathUnescape(chi.URLParam(r, "*"))
		if err != nil || objectPath == "" {
			http.NotFound(w, r)
			return
		}
		rc, contentType, err := opener.Open(r.Context(), objectPath)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			logrus.WithError(err).WithField("path", objectPath).Error("Failed to open object")
			http.Error(w, "Failed to open object", http.StatusInternalServerError)
			return
		}
		defer rc.Close()

		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		if _, err := io.Copy(w, rc); err != nil {
			logrus.WithError(err).WithField("path", objectPath).Debug("Failed to stream object")
		}
	}
}

func setupRouter(engine *catalog.Engine, svc *authsvc.Service, objects core.ObjectStore) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-CSRF-Token", "Origin", "Accept-Encoding", "Accept-Language", "X-Requested-With", authMiddleware.MutationIDHeader},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Route("/api/v2", func(r chi.Router) {
		r.Use(authMiddleware.MutationID)
		r.Use(authMiddleware.AuthJWT(svc))
		categories.Routes(engine)(r)
	})

	authHandler := auth.New(svc)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", authHandler.HandleSignUp)
		r.Post("/signin", authHandler.HandleSignIn)
		r.Get("/login", authHandler.HandleLogin)
		r.Get("/callback", authHandler.HandleCallback)
	})

	if opener, ok := objects.(stores.ObjectOpener); ok {
		r.Get("/objects/*", handleObjects(opener))
	}

	r.NotFound(handleUI())
	return r
}

func uploadTimeout() time.Duration {
	raw := os.Getenv("UPLOAD_TIMEOUT")
	if raw == "" {
		return catalog.DefaultUploadTimeout
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logrus.WithField("value", raw).Fatal("Invalid UPLOAD_TIMEOUT")
	}
	return d
}

func waitForShutdown(srv *http.Server, ioo *socketio.Server) {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-signalC

	logrus.Info("Shutting down...")
	ioo.Close(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Server did not shut down cleanly")
	}
}

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	listenAddress := flag.String("listen", ":3002", "The address to listen on.")
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

	docs := stores.GetDocumentStore()
	objects := stores.GetObjectStore()
	engine := catalog.NewEngine(docs, objects, catalog.WithUploadTimeout(uploadTimeout()))
	svc := authsvc.NewService(docs, []byte(os.Getenv("JWT_SECRET")))

	r := setupRouter(engine, svc, objects)

	ioo := realtime.SetupSocketIO(engine, svc)
	r.Mount("/socket.io/", ioo.ServeHandler(nil))

	srv := &http.Server{Addr: *listenAddress, Handler: r}
	logrus.WithField("addr", *listenAddress).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(srv, ioo)
}
