// Package identity answers whether patient references exist by asking the
// patient service.
package identity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hms/billing/internal/platform/auth"
)

// Gateway is the patient existence check consumed by the ledger.
type Gateway interface {
	VerifyPatientExists(ctx context.Context, patientRef string) (bool, error)
}

// HTTPGateway calls GET {baseURL}/api/patients/{ref} on the patient service.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	token   string
}

// NewHTTPGateway builds a gateway. serviceToken, when set, is sent if the
// inbound request carried no bearer token to forward.
func NewHTTPGateway(baseURL string, timeout time.Duration, serviceToken string) *HTTPGateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		token:   serviceToken,
	}
}

// VerifyPatientExists returns true on 200 and false on 404. Any other status
// or a transport failure is an error, never a negative answer.
func (g *HTTPGateway) VerifyPatientExists(ctx context.Context, patientRef string) (bool, error) {
	endpoint := g.baseURL + "/api/patients/" + url.PathEscape(patientRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build patient lookup: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if tok := auth.TokenFromContext(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	} else if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("patient service returned status %d", resp.StatusCode)
	}
}
