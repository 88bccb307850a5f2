package http

import (
	"net/http"
	"time"

	"github.com/Wyydra/duocall/internal/core/port"
	"github.com/Wyydra/duocall/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Options struct {
	StaticDir    string
	SendQueue    int
	ReadLimit    int64
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
}

func DefaultOptions() Options {
	return Options{
		SendQueue:    64,
		ReadLimit:    64 << 10,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
	}
}

type Handler struct {
	Relay   *service.RelayService
	Records port.CallRecordStore
	Feed    port.RecordFeed
	Users   port.UserDirectory
	opts    Options
}

func NewHandler(relay *service.RelayService, records port.CallRecordStore, feed port.RecordFeed, users port.UserDirectory, opts Options) *Handler {
	return &Handler{
		Relay:   relay,
		Records: records,
		Feed:    feed,
		Users:   users,
		opts:    opts,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Route("/calls", func(r chi.Router) {
			r.Post("/", h.createCall)
			r.Get("/", h.listCalls)
			r.Patch("/latest", h.updateLatestCall)
			r.Get("/events", h.callEvents)
		})
		r.Get("/users/{id}", h.lookupUser)
	})

	if h.opts.StaticDir != "" {
		fs := http.FileServer(http.Dir(h.opts.StaticDir))
		r.Handle("/*", fs)
	}

	return r
}
