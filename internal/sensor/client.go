package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable marks a failed gateway round: unreachable, non-2xx, or a
// body that does not decode. Callers skip the round and retry on the next
// tick.
var ErrUnavailable = errors.New("sensor gateway unavailable")

// ESP32 actions understood by the gateway.
const (
	ActionFanOn  = "activar_ventilador"
	ActionFanOff = "desactivar_ventilador"
	ActionLED    = "led_alerta"

	LEDRed   = "rojo"
	LEDGreen = "verde"
)

// Gateway is the sensor gateway surface the monitor depends on.
type Gateway interface {
	LatestCO2(ctx context.Context) (float64, bool, error)
	SendCommand(ctx context.Context, action, param string) error
}

type Client struct {
	baseURL  string
	deviceID string
	http     *http.Client
}

func NewClient(baseURL, deviceID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: deviceID,
		http:     &http.Client{Timeout: timeout},
	}
}

type latestResponse struct {
	Success  bool `json:"success"`
	Lecturas struct {
		CO2 *struct {
			Valor *float64 `json:"valor"`
		} `json:"co2"`
	} `json:"lecturas"`
}

// LatestCO2 returns the most recent CO2 reading in ppm. ok is false when the
// gateway answered but has no reading yet.
func (c *Client) LatestCO2(ctx context.Context) (float64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sensores/ultimas", nil)
	if err != nil {
		return 0, false, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, false, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if !body.Success || body.Lecturas.CO2 == nil || body.Lecturas.CO2.Valor == nil {
		return 0, false, nil
	}
	return *body.Lecturas.CO2.Valor, true, nil
}

type commandRequest struct {
	DeviceID  string `json:"device_id"`
	Accion    string `json:"accion"`
	Parametro string `json:"parametro"`
}

// SendCommand queues an actuator command for the configured device.
func (c *Client) SendCommand(ctx context.Context, action, param string) error {
	payload, err := json.Marshal(commandRequest{DeviceID: c.deviceID, Accion: action, Parametro: param})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/esp32/comando/enviar", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: command %s: status %d: %s", ErrUnavailable, action, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
