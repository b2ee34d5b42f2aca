// Package quickbooks is the wire client for the QuickBooks Online v3 REST API
// and its OAuth2 endpoints. It knows nothing about rate limits, retries or
// token freshness; the gateway service owns those.
package quickbooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("quickbooks")

// maxErrorBody caps how much of an unparseable error body is kept.
const maxErrorBody = 512

// Client implements port.AccountingAPI over HTTP.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	appURL       string
	minorVersion string
	logger       *zap.Logger
}

// NewClient creates a QuickBooks client. baseURL is the API host
// (https://quickbooks.api.intuit.com or the sandbox host), appURL the web app
// host used for deep links.
func NewClient(httpClient *http.Client, baseURL, appURL, minorVersion string, logger *zap.Logger) *Client {
	return &Client{
		httpClient:   httpClient,
		baseURL:      strings.TrimRight(baseURL, "/"),
		appURL:       strings.TrimRight(appURL, "/"),
		minorVersion: minorVersion,
		logger:       logger,
	}
}

// faultEnvelope is the platform's structured error body.
type faultEnvelope struct {
	Fault *struct {
		Error []struct {
			Message string `json:"Message"`
			Detail  string `json:"Detail"`
			Code    string `json:"code"`
		} `json:"Error"`
		Type string `json:"type"`
	} `json:"Fault"`
}

// doRequest executes an authenticated call against the connection's company.
// A non-nil body is sent as JSON; a non-nil out receives the decoded response.
func (c *Client) doRequest(ctx context.Context, conn *domain.Connection, op, method, path string, query url.Values, body, out any) error {
	if query == nil {
		query = url.Values{}
	}
	if c.minorVersion != "" {
		query.Set("minorversion", c.minorVersion)
	}
	endpoint := fmt.Sprintf("%s/v3/company/%s/%s?%s", c.baseURL, url.PathEscape(conn.RealmID), path, query.Encode())

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		c.logger.Error("quickbooks: failed to create request",
			zap.String("operation", op),
			zap.Error(err),
		)
		return err
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("quickbooks: request failed",
			zap.String("operation", op),
			zap.String("realm_id", conn.RealmID),
			zap.Error(err),
		)
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("quickbooks: non-2xx response",
			zap.String("operation", op),
			zap.String("realm_id", conn.RealmID),
			zap.Int("status", resp.StatusCode),
			zap.String("intuit_tid", resp.Header.Get("intuit_tid")),
		)
		return classify(resp.StatusCode, raw, conn, op)
	}

	c.logger.Debug("quickbooks: request OK",
		zap.String("operation", op),
		zap.Int("status", resp.StatusCode),
	)

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// classify turns an error response into a typed error. 401 means the token
// was refused, 429 is throttling, anything else becomes a remote fault with
// the platform's code and message kept as sent.
func classify(status int, raw []byte, conn *domain.Connection, op string) error {
	fault := parseFault(status, raw)
	switch status {
	case http.StatusUnauthorized:
		return &domain.ErrAuth{UserID: conn.UserID, Reason: domain.AuthReasonRejected, Err: fault}
	case http.StatusTooManyRequests:
		return &domain.ErrRateLimited{Operation: op}
	}
	return fault
}

func parseFault(status int, raw []byte) *domain.ErrRemoteFault {
	var env faultEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Fault != nil && len(env.Fault.Error) > 0 {
		e := env.Fault.Error[0]
		return &domain.ErrRemoteFault{Status: status, Code: e.Code, Message: e.Message, Detail: e.Detail}
	}
	detail := strings.TrimSpace(string(raw))
	if len(detail) > maxErrorBody {
		detail = detail[:maxErrorBody]
	}
	return &domain.ErrRemoteFault{
		Status:  status,
		Code:    strconv.Itoa(status),
		Message: http.StatusText(status),
		Detail:  detail,
	}
}

// Link returns the web app URL for a created document.
func (c *Client) Link(kind domain.PostingType, id string) string {
	if c.appURL == "" || id == "" {
		return ""
	}
	page := "expense"
	if kind == domain.PostingDeposit {
		page = "deposit"
	}
	return fmt.Sprintf("%s/app/%s?txnId=%s", c.appURL, page, url.QueryEscape(id))
}
