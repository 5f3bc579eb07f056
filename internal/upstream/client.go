// Package upstream is the gateway's client for the dispatch service's
// REST API. Write-path events terminate here; the gateway itself never
// owns dispatch state.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RemoteError is a non-2xx reply from the dispatch service, carried
// upward with whatever message the service included.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("dispatch service returned %d: %s", e.Status, e.Message)
}

// Despacho is a dispatch record as the dispatch service returns it.
type Despacho struct {
	ID               int64    `json:"id"`
	UbicacionLat     float64  `json:"ubicacion_origen_lat"`
	UbicacionLng     float64  `json:"ubicacion_origen_lng"`
	TipoIncidente    string   `json:"tipo_incidente"`
	Prioridad        string   `json:"prioridad"`
	Estado           string   `json:"estado"`
	AmbulanciaID     *int64   `json:"ambulancia_id,omitempty"`
	Descripcion      string   `json:"descripcion,omitempty"`
	CreadoPor        string   `json:"creado_por,omitempty"`
	FechaCreacion    string   `json:"fecha_creacion,omitempty"`
	FechaActualizado string   `json:"fecha_actualizacion,omitempty"`
	DistanciaKm      *float64 `json:"distancia_km,omitempty"`
}

// Rastreo is one tracked position of an active dispatch.
type Rastreo struct {
	ID         int64    `json:"id,omitempty"`
	DespachoID int64    `json:"despacho_id"`
	Latitud    float64  `json:"latitud"`
	Longitud   float64  `json:"longitud"`
	Velocidad  *float64 `json:"velocidad,omitempty"`
	Altitud    *float64 `json:"altitud,omitempty"`
	Precision  *float64 `json:"precision,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

// Ambulancia is an ambulance record.
type Ambulancia struct {
	ID         int64  `json:"id"`
	Placa      string `json:"placa"`
	Tipo       string `json:"tipo,omitempty"`
	Estado     string `json:"estado,omitempty"`
	Base       string `json:"base,omitempty"`
	Tripulante string `json:"tripulante,omitempty"`
}

// CreateDespachoRequest is the body for opening a new dispatch.
type CreateDespachoRequest struct {
	UbicacionLat  float64 `json:"ubicacion_origen_lat"`
	UbicacionLng  float64 `json:"ubicacion_origen_lng"`
	TipoIncidente string  `json:"tipo_incidente"`
	Prioridad     string  `json:"prioridad"`
	Descripcion   string  `json:"descripcion,omitempty"`
}

// Client talks to the dispatch service. All calls carry the caller's
// bearer token and run behind a circuit breaker so a dead upstream fails
// fast instead of tying up connection goroutines.
type Client struct {
	baseURL   string
	apiPrefix string
	httpc     *http.Client
	breaker   *gobreaker.CircuitBreaker
	log       *zap.Logger
}

// New creates a dispatch service client.
func New(baseURL, apiPrefix string, timeout time.Duration, log *zap.Logger) *Client {
	log = log.With(zap.String("component", "upstream"))
	settings := gobreaker.Settings{
		Name:    "dispatch-service",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Client{
		baseURL:   baseURL,
		apiPrefix: apiPrefix,
		httpc:     &http.Client{Timeout: timeout},
		breaker:   gobreaker.NewCircuitBreaker(settings),
		log:       log,
	}
}

// ListDespachos returns dispatches, optionally filtered by estado.
func (c *Client) ListDespachos(ctx context.Context, token, estado string) ([]Despacho, error) {
	path := "/despachos"
	if estado != "" {
		path += "?estado=" + estado
	}
	var out []Despacho
	if err := c.do(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDespacho fetches one dispatch by id.
func (c *Client) GetDespacho(ctx context.Context, token string, id int64) (*Despacho, error) {
	var out Despacho
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/despachos/%d", id), token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateDespacho opens a new dispatch.
func (c *Client) CreateDespacho(ctx context.Context, token string, req CreateDespachoRequest) (*Despacho, error) {
	var out Despacho
	if err := c.do(ctx, http.MethodPost, "/despachos", token, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDespachoEstado moves a dispatch through its lifecycle.
func (c *Client) UpdateDespachoEstado(ctx context.Context, token string, id int64, estado string) (*Despacho, error) {
	body := map[string]string{"estado": estado}
	var out Despacho
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/despachos/%d/estado", id), token, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddRastreo records a position fix for an active dispatch.
func (c *Client) AddRastreo(ctx context.Context, token string, r Rastreo) (*Rastreo, error) {
	var out Rastreo
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/despachos/%d/rastreo", r.DespachoID), token, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRastreoHistoria returns the tracked path of a dispatch.
func (c *Client) GetRastreoHistoria(ctx context.Context, token string, despachoID int64) ([]Rastreo, error) {
	var out []Rastreo
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/despachos/%d/rastreo", despachoID), token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAmbulancia fetches one ambulance by id.
func (c *Client) GetAmbulancia(ctx context.Context, token string, id int64) (*Ambulancia, error) {
	var out Ambulancia
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/ambulancias/%d", id), token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, token, body, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+c.apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("calling dispatch service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RemoteError{Status: resp.StatusCode, Message: remoteMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding dispatch service response: %w", err)
	}
	return nil
}

// remoteMessage pulls a human-readable message out of an error body,
// falling back to the raw text.
func remoteMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no response body"
	}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return string(raw)
}
