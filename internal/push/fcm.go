package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/session"
)

// TokenLookup resolves a driver id to their device token. The default
// passes the driver id through, which is enough for a local FCM stub.
type TokenLookup func(driverID string) (string, bool)

// FCM delivers events to drivers without a live socket by posting to the
// FCM HTTPv1 endpoint.
type FCM struct {
	Endpoint string
	Key      string
	Client   *http.Client
	Tokens   TokenLookup
}

func NewFCM(endpoint, key string) *FCM {
	return &FCM{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCM) NotifyDriver(ctx context.Context, driverID string, ev session.Event) error {
	token := driverID
	if f.Tokens != nil {
		t, ok := f.Tokens(driverID)
		if !ok {
			return fmt.Errorf("no device token for driver %s", driverID)
		}
		token = t
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	body := map[string]interface{}{"message": map[string]interface{}{
		"token": token,
		"data":  map[string]string{"event": string(data)},
	}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm status %d", resp.StatusCode)
	}
	return nil
}
