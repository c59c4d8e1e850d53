package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"weather_forecaster/internal/api"
	"weather_forecaster/internal/config"
	"weather_forecaster/internal/logging"
)

// MaxStreams bounds the concurrent forecasts of one connection.
const MaxStreams = 4

var errTooManyStreams = errors.New("too many concurrent forecasts")

// Handler upgrades connections and runs the forecasts clients request,
// streaming each row as soon as the engine produces it.
type Handler struct {
	hub      *Hub
	engine   api.Forecaster
	cfg      config.Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, engine api.Forecaster, cfg config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &Handler{hub: hub, engine: engine, cfg: cfg, logger: logger}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// checkOrigin accepts non-browser clients and the configured origins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.cfg.Server.AllowedOrigins, origin)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(h.hub, conn)
	h.hub.Register(client)
	go client.writePump()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	h.sendCatalog(ctx, client)
	h.readPump(ctx, cancel, client)
}

func (h *Handler) readPump(ctx context.Context, cancel context.CancelFunc, c *Client) {
	defer func() {
		cancel()
		c.running.Wait()
		h.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		h.handleMessage(ctx, c, msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, c *Client, msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.sendError(ctx, c, "", fmt.Errorf("%w: invalid message: %v", api.ErrBadRequest, err))
		return
	}

	switch env.Type {
	case TypeForecastRequest:
		var p ForecastRequestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(ctx, c, "", fmt.Errorf("%w: invalid forecast:request payload: %v", api.ErrBadRequest, err))
			return
		}
		h.startForecast(ctx, c, p)

	case TypeForecastCancel:
		var p ForecastCancelPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(ctx, c, "", fmt.Errorf("%w: invalid forecast:cancel payload: %v", api.ErrBadRequest, err))
			return
		}
		if !c.cancelStream(p.RequestID) {
			h.logger.Debug("cancel for unknown stream", "request_id", p.RequestID)
		}

	default:
		h.sendError(ctx, c, "", fmt.Errorf("%w: unknown message type %q", api.ErrBadRequest, env.Type))
	}
}

func (h *Handler) startForecast(ctx context.Context, c *Client, p ForecastRequestPayload) {
	id := p.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	if err := p.Validate(h.cfg); err != nil {
		h.sendError(ctx, c, id, err)
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	if !c.startStream(id, cancel, MaxStreams) {
		cancel()
		h.sendError(ctx, c, id, fmt.Errorf("%w: %s already running or limit of %d reached", errTooManyStreams, id, MaxStreams))
		return
	}

	q := p.ForecastQuery
	go func() {
		defer c.endStream(id)

		bridge := NewBridge(ctx, streamCtx, c, id, q, h.logger)
		opts := q.Options()
		opts.Observer = bridge.OnRow

		log := h.logger.With("request_id", id, "city", q.City, "model", q.Model)
		log.Info("forecast stream started", "forecast_type", q.ForecastType)
		f, err := h.engine.Run(streamCtx, q.City, q.Model, q.Hours(), opts)
		if err == nil && f.Len() == 0 {
			err = errors.New("prediction generation failed or returned empty results")
		}
		if err != nil {
			log.Warn("forecast stream failed", "error", err)
			bridge.Fail(err)
			return
		}
		bridge.Done()
	}()
}

func (h *Handler) sendCatalog(ctx context.Context, c *Client) {
	msg, err := NewEnvelope(TypeCatalogLoaded, CatalogPayload{
		Cities:        h.cfg.Cities,
		Models:        h.cfg.Models(),
		ForecastTypes: []string{"48h", "1week", "2weeks"},
	})
	if err != nil {
		h.logger.Error("creating catalog message", "error", err)
		return
	}
	c.enqueue(ctx, msg)
}

func (h *Handler) sendError(ctx context.Context, c *Client, id string, err error) {
	status := api.StatusFor(err)
	if errors.Is(err, errTooManyStreams) {
		status = http.StatusTooManyRequests
	}
	msg, mErr := NewEnvelope(TypeForecastError, ForecastErrorPayload{
		RequestID: id,
		Status:    status,
		Detail:    api.DetailMessage(err),
	})
	if mErr != nil {
		h.logger.Error("creating error message", "error", mErr)
		return
	}
	c.enqueue(ctx, msg)
}
