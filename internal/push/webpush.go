package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	// Subject is the VAPID contact, a mailto: or https: URL.
	Subject string
	TTL     time.Duration
	Icon    string
	Badge   string
	Timeout time.Duration
	// HTTPClient overrides the client; mostly for tests.
	HTTPClient *http.Client
}

// WebPush sends VAPID-signed Web Push messages.
type WebPush struct {
	cfg    WebPushConfig
	client *http.Client
}

func NewWebPush(cfg WebPushConfig) (*WebPush, error) {
	if strings.TrimSpace(cfg.PublicKey) == "" || strings.TrimSpace(cfg.PrivateKey) == "" {
		return nil, errors.New("webpush: vapid keys are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebPush{cfg: cfg, client: client}, nil
}

type payload struct {
	Title              string      `json:"title"`
	Body               string      `json:"body"`
	Icon               string      `json:"icon,omitempty"`
	Badge              string      `json:"badge,omitempty"`
	Tag                string      `json:"tag,omitempty"`
	RequireInteraction bool        `json:"requireInteraction"`
	Data               payloadData `json:"data"`
}

type payloadData struct {
	URL string `json:"url"`
}

// ParseSubscription decodes a Web Push descriptor.
func ParseSubscription(descriptor string) (*webpush.Subscription, error) {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(descriptor), &sub); err != nil {
		return nil, fmt.Errorf("webpush: decode subscription: %w", err)
	}
	if strings.TrimSpace(sub.Endpoint) == "" || sub.Keys.Auth == "" || sub.Keys.P256dh == "" {
		return nil, errors.New("webpush: subscription missing endpoint or keys")
	}
	return &sub, nil
}

func (w *WebPush) Send(ctx context.Context, descriptor string, msg Message) (Outcome, error) {
	sub, err := ParseSubscription(descriptor)
	if err != nil {
		return PermanentlyInvalid, err
	}
	body, err := json.Marshal(payload{
		Title:              msg.Title,
		Body:               msg.Body,
		Icon:               w.cfg.Icon,
		Badge:              w.cfg.Badge,
		Tag:                msg.Tag,
		RequireInteraction: true,
		Data:               payloadData{URL: msg.URL},
	})
	if err != nil {
		return TransientFailure, err
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.cfg.Subject,
		VAPIDPublicKey:  w.cfg.PublicKey,
		VAPIDPrivateKey: w.cfg.PrivateKey,
		TTL:             int(w.cfg.TTL / time.Second),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return TransientFailure, fmt.Errorf("webpush: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	out := ClassifyStatus(resp.StatusCode)
	if out != Delivered {
		return out, fmt.Errorf("webpush: push service returned %s", resp.Status)
	}
	return Delivered, nil
}
