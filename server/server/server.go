package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/derktes/ir-remote-mapper/collector/collector"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// deviceLink is the serial link as seen by the server
type deviceLink interface {
	frameSender
	Connected() bool
	Port() string
}

// Server wires the HTTP API, the websocket sessions and the serial link
type Server struct {
	cfg      *Config
	link     deviceLink
	db       remoteCRUD
	hub      *hub
	capture  *captureCoordinator
	deployer *deployCoordinator
	handler  http.Handler
}

func newServer(cfg *Config, link deviceLink, db remoteCRUD) *Server {
	h := newHub()
	capture := newCaptureCoordinator(link, h, cfg.Capture.Timeout)
	h.capture = capture
	s := &Server{
		cfg:      cfg,
		link:     link,
		db:       db,
		hub:      h,
		capture:  capture,
		deployer: &deployCoordinator{link: link},
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/remotes", s.listRemotesHandler).Methods(http.MethodGet)
	api.HandleFunc("/remotes", s.createRemoteHandler).Methods(http.MethodPost)
	api.HandleFunc("/buttons", s.appendButtonHandler).Methods(http.MethodPost)
	api.HandleFunc("/deploy", s.deployHandler).Methods(http.MethodPost)
	api.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)

	router.HandleFunc("/ws", s.sessionStreamHandler)
	router.PathPrefix("/").Handler(http.FileServer(http.Dir(s.cfg.Static.Dir)))

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.HTTP.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(router)
}

// loggingMiddleware leaves the ResponseWriter untouched so websocket
// upgrades can still hijack it
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if debugMode.Load() {
			log.Printf("%s %s from %s took %s", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
		}
	})
}

// Start opens the store and the serial link and serves HTTP on cfg.HTTP.Addr
// until ctx is cancelled
func Start(ctx context.Context, cfg *Config) error {
	setDebug(cfg.Debug)
	db, err := newDatabase(cfg.Store)
	if err != nil {
		return err
	}
	defer db.close()

	link, err := collector.Open(collector.Config{
		Port:      cfg.Serial.Port,
		Baud:      cfg.Serial.Baud,
		Reconnect: cfg.Serial.Reconnect,
	})
	if err != nil {
		return err
	}
	defer link.Close()

	s := newServer(cfg, link, db)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := link.Run(ctx); err != nil {
			log.Print(err)
		}
	}()
	go func() {
		defer wg.Done()
		s.capture.run(ctx, link.Lines())
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(func() {
		log.Print("Shutting down server")
	})
	errc := make(chan error, 1)
	go func() {
		errc <- httpServer.ListenAndServe()
	}()
	log.Printf("Server started on %s", cfg.HTTP.Addr)

	select {
	case err := <-errc:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	err = httpServer.Shutdown(shutdownCtx)
	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
