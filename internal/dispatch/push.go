package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushEmitter tries the websocket hub first and falls back to a push
// gateway for driver and user audiences nobody is connected to.
type PushEmitter struct {
	Endpoint string
	Key      string
	Client   *http.Client
	WS       *Hub
}

func NewPushEmitter(endpoint, key string, ws *Hub) *PushEmitter {
	return &PushEmitter{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushEmitter) Emit(ctx context.Context, to Audience, name string, payload any) error {
	if p.WS != nil && p.WS.Deliver(ctx, to, name, payload) > 0 {
		return nil
	}
	if p.Endpoint == "" || (to.Kind != KindDriver && to.Kind != KindUser) {
		return nil
	}
	body := map[string]any{"message": map[string]any{
		"topic": to.String(),
		"data":  Event{Name: name, Audience: to.String(), Payload: payload, EmittedAt: time.Now().UTC()},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode push %s: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push %s to %s: %w", name, to, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push %s to %s: status %d", name, to, resp.StatusCode)
	}
	return nil
}
