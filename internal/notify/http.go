package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
)

// HTTPSink posts alerts as JSON to a relay endpoint:
// {"name": ..., "emotion": ..., "value": ..., "timestamp": ...}.
type HTTPSink struct {
	URL    string
	Client *http.Client
}

// NewHTTPSink returns a sink posting to url.
func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type relayPayload struct {
	Name      string        `json:"name"`
	Emotion   types.Emotion `json:"emotion"`
	Value     float64       `json:"value"`
	Timestamp time.Time     `json:"timestamp"`
}

func (s *HTTPSink) Deliver(ctx context.Context, ev types.AlertEvent) error {
	body, err := json.Marshal(relayPayload{
		Name:      ev.IdentityName,
		Emotion:   ev.Emotion,
		Value:     ev.Score,
		Timestamp: ev.ObservedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
