// Package client holds HTTP clients for external collaborators of the
// ledger service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/offtimehq/offtime-ledger-go/internal/domain"
	"github.com/offtimehq/offtime-ledger-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("client")

// AdVerifyClient calls the ad mediation backend to confirm that a rewarded
// interaction really completed before any currency is credited.
type AdVerifyClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewAdVerifyClient creates a new AdVerifyClient.
func NewAdVerifyClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *AdVerifyClient {
	return &AdVerifyClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
	}
}

type verifyRequest struct {
	UserID      string `json:"user_id"`
	RewardToken string `json:"reward_token"`
}

type verifyResponse struct {
	Completed bool    `json:"completed"`
	Amount    float64 `json:"amount"`
	GrantID   string  `json:"grant_id"`
}

// VerifyReward checks a reward token with the mediation backend.
func (c *AdVerifyClient) VerifyReward(ctx context.Context, userID, rewardToken string) (*domain.RewardGrant, error) {
	ctx, span := tracer.Start(ctx, "AdVerifyClient.VerifyReward")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	var verifyResp verifyResponse

	result, err := c.cb.Execute(func() (any, error) {
		innerErr := resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			body, err := json.Marshal(verifyRequest{UserID: userID, RewardToken: rewardToken})
			if err != nil {
				return err
			}

			url := fmt.Sprintf("%s/v1/rewards/verify", c.baseURL)
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			httpReq.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("reward verify API returned status %d", resp.StatusCode)
			}

			return json.NewDecoder(resp.Body).Decode(&verifyResp)
		})
		if innerErr != nil {
			return nil, innerErr
		}
		return &domain.RewardGrant{
			Completed: verifyResp.Completed,
			Amount:    verifyResp.Amount,
			GrantID:   verifyResp.GrantID,
		}, nil
	})

	if err != nil {
		return nil, &domain.ErrExternalService{Service: "adverify", Err: err}
	}

	return result.(*domain.RewardGrant), nil
}
