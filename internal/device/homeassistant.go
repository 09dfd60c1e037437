package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HomeAssistant talks to the Home Assistant REST API.
type HomeAssistant struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHomeAssistant(baseURL, token string, timeout time.Duration) *HomeAssistant {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HomeAssistant{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HomeAssistant) States(ctx context.Context) ([]Entity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/states", nil)
	if err != nil {
		return nil, err
	}
	h.authorize(req)
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list states: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp, "list states"); err != nil {
		return nil, err
	}
	var entities []Entity
	if err := json.NewDecoder(resp.Body).Decode(&entities); err != nil {
		return nil, fmt.Errorf("decode states: %w", err)
	}
	return entities, nil
}

func (h *HomeAssistant) Call(ctx context.Context, call Call) error {
	data := make(map[string]any, len(call.Data)+1)
	for k, v := range call.Data {
		data[k] = v
	}
	if len(call.EntityIDs) > 0 {
		data["entity_id"] = call.EntityIDs
	}
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/services/%s/%s", h.baseURL, call.Domain, call.Service)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	h.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	if call.IdempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", call.IdempotencyKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: call %s.%s: %v", ErrTransient, call.Domain, call.Service, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return statusError(resp, "call "+call.Domain+"."+call.Service)
}

func (h *HomeAssistant) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+h.token)
}

// statusError maps 5xx and 429 to ErrTransient; other non-2xx are terminal.
func statusError(resp *http.Response, op string) error {
	if resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s: home assistant returned %s", ErrTransient, op, resp.Status)
	}
	return fmt.Errorf("%s: home assistant returned %s", op, resp.Status)
}
