package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/marska/chatline/internal/calls"
	"github.com/marska/chatline/internal/config"
	"github.com/marska/chatline/internal/history"
	"github.com/marska/chatline/internal/hub"
	"github.com/marska/chatline/internal/push"
	"github.com/marska/chatline/internal/turn"
)

type Handlers struct {
	config   *config.Config
	turn     *turn.Server
	registry *hub.Registry
	router   *hub.Router
	calls    *calls.Store
	history  *history.Store
	push     *push.Notifier

	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func New(
	cfg *config.Config,
	turnServer *turn.Server,
	registry *hub.Registry,
	router *hub.Router,
	callStore *calls.Store,
	historyStore *history.Store,
	notifier *push.Notifier,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		config:   cfg,
		turn:     turnServer,
		registry: registry,
		router:   router,
		calls:    callStore,
		history:  historyStore,
		push:     notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}
