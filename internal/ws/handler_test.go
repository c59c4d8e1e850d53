package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weather_forecaster/internal/artifact"
	"weather_forecaster/internal/config"
	"weather_forecaster/internal/forecast"
	"weather_forecaster/internal/model"
)

// lastObserved is a Sunday, so a week-long forecast covers Monday to Sunday.
var lastObserved = time.Date(2024, 6, 2, 23, 0, 0, 0, time.UTC)

// fakeEngine emits horizon rows through the observer. With block set it emits
// a single row and waits for cancellation.
type fakeEngine struct {
	block bool
	err   error

	mu    sync.Mutex
	calls []string
}

func (e *fakeEngine) Run(ctx context.Context, city, modelName string, horizon int, opts forecast.Options) (*model.Forecast, error) {
	e.mu.Lock()
	e.calls = append(e.calls, fmt.Sprintf("%s/%s/%d", city, modelName, horizon))
	e.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}
	if opts.Extended != forecast.ExtendedNone {
		horizon = opts.Extended.Hours()
	}
	f := &model.Forecast{City: city, Model: modelName}
	for i := range horizon {
		row := model.ForecastRow{
			Timestamp: lastObserved.Add(time.Duration(i+1) * time.Hour),
			Values:    model.Values{20 + float64(i)/100, 60, 10, 180},
		}
		f.Rows = append(f.Rows, row)
		if opts.Observer != nil {
			opts.Observer(row)
		}
		if e.block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	return f, nil
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Cities = []string{"mumbai", "delhi"}
	cfg.BaseModels = []string{"ExtraTrees", "Prophet"}
	return cfg
}

// dialHandler sets up a test server with the handler and returns a WS connection.
func dialHandler(t *testing.T, handler *Handler) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

// readJSON reads the next JSON message from the connection.
func readJSON(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

// sendJSON sends a JSON message on the connection.
func sendJSON(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// connect dials a handler over engine and consumes the catalog message.
func connect(t *testing.T, hub *Hub, engine *fakeEngine) (*websocket.Conn, func()) {
	t.Helper()
	conn, cleanup := dialHandler(t, NewHandler(hub, engine, testConfig(), nil))
	env := readJSON(t, conn)
	require.Equal(t, TypeCatalogLoaded, env.Type)
	return conn, cleanup
}

type rowMessage struct {
	RequestID string         `json:"request_id"`
	Index     int            `json:"index"`
	Row       map[string]any `json:"row"`
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func request(id, city, modelName, forecastType string) ForecastRequestPayload {
	p := ForecastRequestPayload{RequestID: id}
	p.City, p.Model, p.ForecastType = city, modelName, forecastType
	return p
}

func TestHandler_Catalog(t *testing.T) {
	conn, cleanup := dialHandler(t, NewHandler(NewHub(), &fakeEngine{}, testConfig(), nil))
	defer cleanup()

	env := readJSON(t, conn)
	require.Equal(t, TypeCatalogLoaded, env.Type)

	p := decode[CatalogPayload](t, env)
	assert.Equal(t, []string{"mumbai", "delhi"}, p.Cities)
	assert.Equal(t, []string{"ExtraTrees", "Prophet", "Ensemble"}, p.Models)
	assert.Equal(t, []string{"48h", "1week", "2weeks"}, p.ForecastTypes)
}

func TestHandler_StreamsRows(t *testing.T) {
	engine := &fakeEngine{}
	conn, cleanup := connect(t, NewHub(), engine)
	defer cleanup()

	sendJSON(t, conn, TypeForecastRequest, request("r1", "mumbai", "ExtraTrees", "48h"))

	for i := range 48 {
		env := readJSON(t, conn)
		require.Equal(t, TypeForecastRow, env.Type, "message %d", i)
		row := decode[rowMessage](t, env)
		assert.Equal(t, "r1", row.RequestID)
		assert.Equal(t, i, row.Index)
		if i == 0 {
			assert.Equal(t, "2024-06-03 00:00:00", row.Row["Timestamp"])
			assert.Equal(t, 20.0, row.Row["Temperature (°C)"])
		}
	}

	env := readJSON(t, conn)
	require.Equal(t, TypeForecastDone, env.Type)
	done := decode[ForecastDonePayload](t, env)
	assert.Equal(t, ForecastDonePayload{RequestID: "r1", City: "mumbai", Model: "ExtraTrees", Rows: 48}, done)
	assert.Equal(t, []string{"mumbai/ExtraTrees/48"}, engine.Calls())
}

func TestHandler_AssignsRequestID(t *testing.T) {
	conn, cleanup := connect(t, NewHub(), &fakeEngine{})
	defer cleanup()

	sendJSON(t, conn, TypeForecastRequest, request("", "mumbai", "ExtraTrees", "48h"))

	first := decode[rowMessage](t, readJSON(t, conn))
	assert.Len(t, first.RequestID, 36)
}

func TestHandler_DayOfWeekFilter(t *testing.T) {
	conn, cleanup := connect(t, NewHub(), &fakeEngine{})
	defer cleanup()

	p := request("wed", "mumbai", "ExtraTrees", "1week")
	day := 2
	p.DayOfWeek = &day
	sendJSON(t, conn, TypeForecastRequest, p)

	for i := range 24 {
		env := readJSON(t, conn)
		require.Equal(t, TypeForecastRow, env.Type)
		row := decode[rowMessage](t, env)
		assert.Equal(t, i, row.Index)
		assert.True(t, strings.HasPrefix(row.Row["Timestamp"].(string), "2024-06-05 "), row.Row["Timestamp"])
	}
	done := decode[ForecastDonePayload](t, readJSON(t, conn))
	assert.Equal(t, 24, done.Rows)
}

func TestHandler_Extended(t *testing.T) {
	conn, cleanup := connect(t, NewHub(), &fakeEngine{})
	defer cleanup()

	p := request("ext", "mumbai", "Prophet", "48h")
	p.Extended = "1month"
	sendJSON(t, conn, TypeForecastRequest, p)

	rows := 0
	for {
		env := readJSON(t, conn)
		if env.Type == TypeForecastDone {
			assert.Equal(t, 720, decode[ForecastDonePayload](t, env).Rows)
			break
		}
		require.Equal(t, TypeForecastRow, env.Type)
		rows++
	}
	assert.Equal(t, 720, rows)
}

func TestHandler_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload ForecastRequestPayload
		status  int
		detail  string
	}{
		{"missing city", request("a", "", "ExtraTrees", "48h"), 400, "missing required parameter city"},
		{"unknown city", request("b", "paris", "ExtraTrees", "48h"), 400, "paris"},
		{"bad type", request("c", "mumbai", "ExtraTrees", "3days"), 400, "invalid forecast type"},
		{"extended on tabular", func() ForecastRequestPayload {
			p := request("d", "mumbai", "ExtraTrees", "48h")
			p.Extended = "1year"
			return p
		}(), 400, "extended forecasting is only available"},
	}

	engine := &fakeEngine{}
	conn, cleanup := connect(t, NewHub(), engine)
	defer cleanup()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendJSON(t, conn, TypeForecastRequest, tt.payload)
			env := readJSON(t, conn)
			require.Equal(t, TypeForecastError, env.Type)
			p := decode[ForecastErrorPayload](t, env)
			assert.Equal(t, tt.payload.RequestID, p.RequestID)
			assert.Equal(t, tt.status, p.Status)
			assert.Contains(t, p.Detail, tt.detail)
		})
	}
	assert.Empty(t, engine.Calls())
}

func TestHandler_EngineError(t *testing.T) {
	engine := &fakeEngine{err: fmt.Errorf("loading delhi/ExtraTrees: %w", artifact.ErrModelNotFound)}
	conn, cleanup := connect(t, NewHub(), engine)
	defer cleanup()

	sendJSON(t, conn, TypeForecastRequest, request("r1", "delhi", "ExtraTrees", "48h"))

	env := readJSON(t, conn)
	require.Equal(t, TypeForecastError, env.Type)
	p := decode[ForecastErrorPayload](t, env)
	assert.Equal(t, "r1", p.RequestID)
	assert.Equal(t, 404, p.Status)
}

func TestHandler_InvalidMessage(t *testing.T) {
	conn, cleanup := connect(t, NewHub(), &fakeEngine{})
	defer cleanup()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := readJSON(t, conn)
	require.Equal(t, TypeForecastError, env.Type)
	assert.Equal(t, 400, decode[ForecastErrorPayload](t, env).Status)

	sendJSON(t, conn, "sim:start", nil)
	env = readJSON(t, conn)
	require.Equal(t, TypeForecastError, env.Type)
	p := decode[ForecastErrorPayload](t, env)
	assert.Equal(t, 400, p.Status)
	assert.Contains(t, p.Detail, "unknown message type")
}

func TestHandler_Cancel(t *testing.T) {
	conn, cleanup := connect(t, NewHub(), &fakeEngine{block: true})
	defer cleanup()

	sendJSON(t, conn, TypeForecastRequest, request("slow", "mumbai", "ExtraTrees", "2weeks"))

	env := readJSON(t, conn)
	require.Equal(t, TypeForecastRow, env.Type)

	sendJSON(t, conn, TypeForecastCancel, ForecastCancelPayload{RequestID: "slow"})
	env = readJSON(t, conn)
	require.Equal(t, TypeForecastError, env.Type)
	p := decode[ForecastErrorPayload](t, env)
	assert.Equal(t, "slow", p.RequestID)
	assert.Contains(t, p.Detail, "context canceled")
}

func TestHandler_StreamLimit(t *testing.T) {
	conn, cleanup := connect(t, NewHub(), &fakeEngine{block: true})
	defer cleanup()

	for i := range MaxStreams {
		sendJSON(t, conn, TypeForecastRequest, request(fmt.Sprintf("s%d", i), "mumbai", "ExtraTrees", "48h"))
	}
	// Each stream emits one row before blocking.
	for range MaxStreams {
		require.Equal(t, TypeForecastRow, readJSON(t, conn).Type)
	}

	sendJSON(t, conn, TypeForecastRequest, request("extra", "mumbai", "ExtraTrees", "48h"))
	env := readJSON(t, conn)
	require.Equal(t, TypeForecastError, env.Type)
	p := decode[ForecastErrorPayload](t, env)
	assert.Equal(t, "extra", p.RequestID)
	assert.Equal(t, 429, p.Status)
}

func TestHandler_CheckOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AllowedOrigins = []string{"http://localhost:5173"}
	server := httptest.NewServer(NewHandler(NewHub(), &fakeEngine{}, cfg, nil))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	tests := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			header := map[string][]string{}
			if tt.origin != "" {
				header["Origin"] = []string{tt.origin}
			}
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			conn.Close()
		})
	}
}
