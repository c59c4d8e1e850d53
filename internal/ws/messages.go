package ws

import (
	"encoding/json"

	"weather_forecaster/internal/api"
)

// Envelope wraps all WebSocket messages with a type discriminator.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type constants
const (
	// Client -> Server
	TypeForecastRequest = "forecast:request"
	TypeForecastCancel  = "forecast:cancel"

	// Server -> Client
	TypeCatalogLoaded = "catalog:loaded"
	TypeForecastRow   = "forecast:row"
	TypeForecastDone  = "forecast:done"
	TypeForecastError = "forecast:error"
)

// Client -> Server messages

// ForecastRequestPayload carries the /predict parameters. RequestID is
// optional; the server assigns one when it is empty.
type ForecastRequestPayload struct {
	RequestID string `json:"request_id,omitempty"`
	api.ForecastQuery
}

type ForecastCancelPayload struct {
	RequestID string `json:"request_id"`
}

// Server -> Client messages

type CatalogPayload struct {
	Cities        []string `json:"cities"`
	Models        []string `json:"models"`
	ForecastTypes []string `json:"forecast_types"`
}

type ForecastRowPayload struct {
	RequestID string  `json:"request_id"`
	Index     int     `json:"index"`
	Row       api.Row `json:"row"`
}

type ForecastDonePayload struct {
	RequestID string `json:"request_id"`
	City      string `json:"city"`
	Model     string `json:"model"`
	Rows      int    `json:"rows"`
}

type ForecastErrorPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
}

func NewEnvelope(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}
