package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"signaltrader/internal/domain"
	"signaltrader/internal/metrics"
	"signaltrader/internal/orchestrator"
	"signaltrader/internal/paperledger"
	"signaltrader/internal/store"
)

// EventHandler is the narrow surface the inbound routes dispatch to; an
// *orchestrator.Orchestrator satisfies it.
type EventHandler interface {
	HandleMindmapUpdate(ctx context.Context, token domain.TokenId, snap *domain.MindmapSnapshot)
	HandleActorTradeUpdate(ctx context.Context, actorID domain.ActorId, trade orchestrator.ActorTradeData, at time.Time)
}

// PanicSeller is the narrow surface /panic-sell dispatches to; an
// *executor.Executor satisfies it. nil disables the route entirely.
type PanicSeller interface {
	SellAll(ctx context.Context, positions []*domain.Position) (closed, failed int)
}

// Server runs the dashboard's inbound fiber HTTP app and its outbound
// WebSocket broadcast hub.
type Server struct {
	app *fiber.App
	hub *Hub
	ws  *http.Server

	host   string
	port   int
	wsPort int

	handler     EventHandler
	store       *store.Store
	ledger      *paperledger.Ledger
	sim         bool
	mx          *metrics.Registry
	panicSeller PanicSeller

	storeSub <-chan store.Event
	hubDone  chan struct{}
}

// New constructs the dashboard server. ledger may be nil when
// simulation mode is disabled, in which case /paper/balances is not
// registered. panicSeller may be nil, in which case /panic-sell is not
// registered.
func New(host string, port, wsPort int, handler EventHandler, st *store.Store, ledger *paperledger.Ledger, sim bool, mx *metrics.Registry, panicSeller PanicSeller) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	s := &Server{
		app:         app,
		hub:         NewHub(),
		host:        host,
		port:        port,
		wsPort:      wsPort,
		handler:     handler,
		store:       st,
		ledger:      ledger,
		sim:         sim,
		mx:          mx,
		panicSeller: panicSeller,
		hubDone:     make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix(), "wsClients": s.hub.ClientCount()})
	})

	if s.mx != nil {
		handler := promhttp.HandlerFor(s.mx.Gatherer(), promhttp.HandlerOpts{})
		s.app.Get("/metrics", adaptor.HTTPHandler(handler))
	}

	if s.sim && s.ledger != nil {
		s.app.Get("/paper/balances", func(c *fiber.Ctx) error {
			return c.JSON(s.ledger.GetAll())
		})
	}

	s.app.Post("/events/mindmap", s.handleMindmapUpdate)
	s.app.Post("/events/actor-trade", s.handleActorTradeUpdate)

	if s.panicSeller != nil && s.store != nil {
		s.app.Post("/panic-sell", s.handlePanicSell)
	}
}

// handlePanicSell force-closes every open position, mirroring the CLI
// panic-sell subcommand. It is the operator's emergency stop button when
// something looks wrong and there's no time to reach a terminal.
func (s *Server) handlePanicSell(c *fiber.Ctx) error {
	positions := s.store.ListOpen()
	closed, failed := s.panicSeller.SellAll(c.Context(), positions)
	log.Warn().Int("closed", closed).Int("failed", failed).Msg("dashboard: panic-sell-all triggered")
	return c.JSON(fiber.Map{"closed": closed, "failed": failed})
}

func (s *Server) handleMindmapUpdate(c *fiber.Ctx) error {
	var payload mindmapPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if payload.TokenMint == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tokenMint required"})
	}
	s.handler.HandleMindmapUpdate(c.Context(), domain.TokenId(payload.TokenMint), payload.snapshot())
	return c.JSON(fiber.Map{"status": "accepted"})
}

func (s *Server) handleActorTradeUpdate(c *fiber.Ctx) error {
	var payload actorTradePayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	actorID, data, at := payload.actorTradeData()
	s.handler.HandleActorTradeUpdate(c.Context(), actorID, data, at)
	return c.JSON(fiber.Map{"status": "accepted"})
}

// Start launches the hub, the event-bus bridge, the fiber app, and the
// WebSocket listener. It returns once both servers have started
// listening or one fails to bind.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(s.hubDone)

	if s.store != nil {
		s.storeSub = s.store.Subscribe()
		go s.bridgeStoreEvents(ctx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWS(s.hub, w, r)
	})
	s.ws = &http.Server{Addr: fmt.Sprintf("%s:%d", s.host, s.wsPort), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.ws.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Int("wsPort", s.wsPort).Msg("dashboard: starting servers")
	go func() {
		if err := s.app.Listen(addr); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown gracefully stops both servers and the broadcast hub.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.hubDone)
	if s.ws != nil {
		if err := s.ws.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("dashboard: websocket server shutdown error")
		}
	}
	return s.app.Shutdown()
}

func (s *Server) bridgeStoreEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.storeSub:
			if !ok {
				return
			}
			s.broadcastStoreEvent(ev)
		}
	}
}

func (s *Server) broadcastStoreEvent(ev store.Event) {
	if ev.Position == nil {
		return
	}
	switch ev.Kind {
	case store.EventPositionUpdate:
		update := TradeUpdate{
			Type:       "trade_update",
			PositionID: ev.Position.ID,
			TokenMint:  ev.Position.TokenMint,
			Status:     string(ev.Position.Status),
			EntryPrice: ev.Position.EntryPrice,
		}
		if ev.Position.ExitPrice != nil {
			update.ExitPrice = *ev.Position.ExitPrice
		}
		if ev.Position.RealizedPnL != nil {
			update.RealizedPnL = *ev.Position.RealizedPnL
		}
		s.broadcastJSONValue(update)
	case store.EventPriceUpdate:
		s.broadcastJSONValue(PriceUpdate{
			Type:      "price_update",
			TokenMint: ev.Position.TokenMint,
			Price:     ev.Position.CurrentPrice,
		})
	}
}

func (s *Server) broadcastJSONValue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Msg("dashboard: failed to marshal broadcast payload")
		return
	}
	s.hub.broadcastJSON(data)
}
