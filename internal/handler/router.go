package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voxrelay/voxrelay/internal/handler/chat"
	"github.com/voxrelay/voxrelay/internal/handler/stream"
	"github.com/voxrelay/voxrelay/internal/handler/ws"
	middlewarePkg "github.com/voxrelay/voxrelay/internal/middleware"
	"github.com/voxrelay/voxrelay/internal/service/history"
	"github.com/voxrelay/voxrelay/internal/service/relay"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(store history.Store, pipeline *relay.Pipeline) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(store)
	streamHandler := stream.New(pipeline, store)
	wsHandler := ws.New(pipeline)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	return r
}
