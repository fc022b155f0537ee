package strava

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/felixmachan/stravaFetch/internal/client"
)

// Subscription is the push subscription registered for the app.
type Subscription struct {
	ID          int64  `json:"id"`
	CallbackURL string `json:"callback_url"`
}

// SubscriptionConfig identifies the app and where Strava should push events.
type SubscriptionConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	VerifyToken  string
}

// Subscriptions lists the app's push subscriptions. Strava allows one per
// app.
func Subscriptions(ctx context.Context, c *client.Client, cfg SubscriptionConfig) ([]Subscription, error) {
	q := url.Values{}
	q.Set("client_id", cfg.ClientID)
	q.Set("client_secret", cfg.ClientSecret)
	req, err := c.NewRequest(ctx, http.MethodGet, "/api/v3/push_subscriptions?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating list subscriptions request: %w", err)
	}
	var subs []Subscription
	resp, err := c.Do(req, &subs)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("listing push subscriptions: %w", err)
	}
	return subs, nil
}

// Subscribe registers the webhook unless a subscription already points at
// the callback URL. It reports whether a new subscription was created.
func Subscribe(ctx context.Context, c *client.Client, cfg SubscriptionConfig) (bool, error) {
	subs, err := Subscriptions(ctx, c, cfg)
	if err != nil {
		return false, err
	}
	for _, s := range subs {
		if s.CallbackURL == cfg.CallbackURL {
			return false, nil
		}
	}

	form := url.Values{
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"callback_url":  {cfg.CallbackURL},
		"verify_token":  {cfg.VerifyToken},
	}
	req, err := c.NewRequest(ctx, http.MethodPost, "/api/v3/push_subscriptions", nil)
	if err != nil {
		return false, fmt.Errorf("creating subscribe request: %w", err)
	}
	encoded := form.Encode()
	req.Body = io.NopCloser(strings.NewReader(encoded))
	req.ContentLength = int64(len(encoded))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var sub Subscription
	resp, err := c.Do(req, &sub)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("creating push subscription: %w", err)
	}
	return true, nil
}
