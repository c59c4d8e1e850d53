package ws

import (
	"context"
	"log/slog"

	"weather_forecaster/internal/api"
	"weather_forecaster/internal/model"
)

// Bridge turns the rows of one forecast into messages for the requesting
// client. It is used as the engine's row observer.
type Bridge struct {
	ctx       context.Context // the stream; cancelled by forecast:cancel
	connCtx   context.Context // the connection
	client    *Client
	requestID string
	query     api.ForecastQuery
	logger    *slog.Logger
	sent      int
}

func NewBridge(connCtx, streamCtx context.Context, c *Client, requestID string, q api.ForecastQuery, logger *slog.Logger) *Bridge {
	return &Bridge{ctx: streamCtx, connCtx: connCtx, client: c, requestID: requestID, query: q, logger: logger}
}

// OnRow sends r unless the day filter rejects it.
func (b *Bridge) OnRow(r model.ForecastRow) {
	row := api.NewRow(r)
	if !b.query.Keep(row) {
		return
	}
	msg, err := NewEnvelope(TypeForecastRow, ForecastRowPayload{RequestID: b.requestID, Index: b.sent, Row: row})
	if err != nil {
		b.logger.Error("marshaling forecast row", "request_id", b.requestID, "error", err)
		return
	}
	if b.client.enqueue(b.ctx, msg) {
		b.sent++
	}
}

// Done reports the end of the stream.
func (b *Bridge) Done() {
	b.send(TypeForecastDone, ForecastDonePayload{
		RequestID: b.requestID,
		City:      b.query.City,
		Model:     b.query.Model,
		Rows:      b.sent,
	})
}

// Fail reports err with the status the HTTP API would use.
func (b *Bridge) Fail(err error) {
	b.send(TypeForecastError, ForecastErrorPayload{
		RequestID: b.requestID,
		Status:    api.StatusFor(err),
		Detail:    api.DetailMessage(err),
	})
}

func (b *Bridge) send(msgType string, payload any) {
	msg, err := NewEnvelope(msgType, payload)
	if err != nil {
		b.logger.Error("marshaling message", "type", msgType, "error", err)
		return
	}
	// Final messages outlive a cancelled stream but not the connection.
	b.client.enqueue(b.connCtx, msg)
}
