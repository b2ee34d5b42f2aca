package quickbooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"golang.org/x/oauth2"
)

// Intuit does not return a refresh expiry on every response; its documented
// lifetime is 100 days.
const defaultRefreshLifetime = 100 * 24 * time.Hour

// OAuthConfig holds the app registration and the authorization server URLs.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
}

// OAuth implements port.OAuthProvider on golang.org/x/oauth2.
type OAuth struct {
	cfg        *oauth2.Config
	revokeURL  string
	httpClient *http.Client
	now        func() time.Time
}

// NewOAuth creates the provider. httpClient is used for token and revoke calls.
func NewOAuth(cfg OAuthConfig, httpClient *http.Client) *OAuth {
	return &OAuth{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		revokeURL:  cfg.RevokeURL,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// AuthCodeURL returns the consent page URL carrying state.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token pair.
func (o *OAuth) Exchange(ctx context.Context, code string) (*domain.TokenSet, error) {
	ctx, span := tracer.Start(ctx, "OAuth.Exchange")
	defer span.End()

	tok, err := o.cfg.Exchange(o.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return o.tokenSet(tok, ""), nil
}

// Refresh redeems a refresh token. When the server does not rotate the
// refresh token the old one is kept.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*domain.TokenSet, error) {
	ctx, span := tracer.Start(ctx, "OAuth.Refresh")
	defer span.End()

	// An empty access token is never valid, so the source always refreshes.
	src := o.cfg.TokenSource(o.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return o.tokenSet(tok, refreshToken), nil
}

// Revoke invalidates a token (access or refresh) at the authorization server.
func (o *OAuth) Revoke(ctx context.Context, token string) error {
	ctx, span := tracer.Start(ctx, "OAuth.Revoke")
	defer span.End()

	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.revokeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(o.cfg.ClientID, o.cfg.ClientSecret)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("revoke returned status %d: %s", resp.StatusCode, raw)
	}
	return nil
}

func (o *OAuth) clientContext(ctx context.Context) context.Context {
	if o.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

func (o *OAuth) tokenSet(tok *oauth2.Token, previousRefresh string) *domain.TokenSet {
	now := o.now()
	ts := &domain.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = previousRefresh
	}
	if ts.TokenType == "" {
		ts.TokenType = "bearer"
	}
	if ts.ExpiresAt.IsZero() {
		ts.ExpiresAt = now.Add(time.Hour)
	}
	if secs, ok := extraSeconds(tok.Extra("x_refresh_token_expires_in")); ok {
		ts.RefreshExpiresAt = now.Add(time.Duration(secs) * time.Second)
	} else {
		ts.RefreshExpiresAt = now.Add(defaultRefreshLifetime)
	}
	return ts
}

// extraSeconds reads a numeric token response field, whatever JSON type it
// arrived as.
func extraSeconds(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), n > 0
	case int64:
		return n, n > 0
	case json.Number:
		i, err := n.Int64()
		return i, err == nil && i > 0
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil && i > 0
	}
	return 0, false
}
