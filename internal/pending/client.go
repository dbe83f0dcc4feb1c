// Package pending talks to the approval service that holds blocked
// outbound emails. The follow-up scheduler only ever asks one question
// of it: is this item still pending?
package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agenticmail/agenticmail/pkg/circuitbreaker"
	"github.com/agenticmail/agenticmail/pkg/util"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"

	tokenTTL       = 2 * time.Minute
	requestTimeout = 5 * time.Second
)

// Client implements followup.PendingStatusProvider over the approval
// service's HTTP API. Requests carry a short-lived HS256 service token
// and run through a circuit breaker so a flapping approval service
// does not hammer every heartbeat sweep.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewClient(baseURL, jwtSecret string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		secret:     jwtSecret,
		httpClient: &http.Client{Timeout: requestTimeout},
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		logger:     logger,
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

// IsPending reports whether the pending email still awaits a decision.
// Any transport failure or non-200 response is returned as an error;
// the scheduler treats those as fail-safe-pending.
func (c *Client) IsPending(ctx context.Context, pendingID string) (bool, error) {
	status, err := c.fetchStatus(ctx, pendingID)
	if err != nil {
		return false, err
	}
	return status == StatusPending, nil
}

func (c *Client) fetchStatus(ctx context.Context, pendingID string) (string, error) {
	var status string
	err := c.breaker.Execute(func() error {
		token, err := util.GenerateServiceToken("relayd", c.secret, tokenTTL)
		if err != nil {
			return fmt.Errorf("sign service token: %w", err)
		}

		url := fmt.Sprintf("%s/pending-emails/%s", c.baseURL, pendingID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("pending status request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("pending status for %s: http %d", pendingID, resp.StatusCode)
		}

		var body statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode pending status: %w", err)
		}
		status = body.Status
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}
