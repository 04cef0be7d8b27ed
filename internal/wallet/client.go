package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sonara-chat/sonara/internal/circuitbreaker"
	apperrors "github.com/sonara-chat/sonara/internal/common/errors"
	"github.com/sonara-chat/sonara/internal/infra/cache"
	"github.com/sonara-chat/sonara/internal/retry"
)

// Service is the external wallet boundary. Gift debits are transactional
// on the wallet side; this layer only reports success or failure and
// never broadcasts a gift whose debit did not commit.
type Service interface {
	DebitGift(ctx context.Context, senderID, recipientID, giftID string, quantity int) error
}

type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	cache   *cache.Cache
	logger  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, maxFailures int, breakerTimeout time.Duration, retryAttempts int, cacheClient *cache.Cache, logger *zap.Logger) *Client {
	retryCfg := retry.DefaultConfig()
	if retryAttempts > 0 {
		retryCfg.MaxAttempts = retryAttempts
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(maxFailures, breakerTimeout),
		retry:   retryCfg,
		cache:   cacheClient,
		logger:  logger,
	}
}

type debitRequest struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	GiftID      string `json:"gift_id"`
	Quantity    int    `json:"quantity"`
}

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// DebitGift charges the sender for a gift. Insufficient balance is a
// conflict returned immediately; transport and server failures are
// retried with backoff behind the circuit breaker.
func (c *Client) DebitGift(ctx context.Context, senderID, recipientID, giftID string, quantity int) error {
	body, err := json.Marshal(debitRequest{
		SenderID:    senderID,
		RecipientID: recipientID,
		GiftID:      giftID,
		Quantity:    quantity,
	})
	if err != nil {
		return apperrors.Internal("marshal debit request", err)
	}

	var conflictErr error
	err = retry.WithBackoff(ctx, c.retry, func() error {
		return c.breaker.Call(func() error {
			req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
				c.baseURL+"/v1/wallet/gift-debits", bytes.NewReader(body))
			if reqErr != nil {
				return reqErr
			}
			req.Header.Set("Content-Type", "application/json")

			resp, doErr := c.http.Do(req)
			if doErr != nil {
				return doErr
			}
			defer func() {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}()

			switch {
			case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
				c.invalidateBalance(ctx, senderID)
				return nil
			case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusConflict:
				// Not retryable; surface as conflict without counting
				// against the breaker.
				conflictErr = apperrors.Conflict("insufficient balance", nil)
				return nil
			default:
				return fmt.Errorf("wallet debit returned status %d", resp.StatusCode)
			}
		})
	})

	if conflictErr != nil {
		return conflictErr
	}
	if err != nil {
		c.logger.Warn("wallet debit failed",
			zap.String("sender_id", senderID),
			zap.String("gift_id", giftID),
			zap.Error(err),
		)
		return apperrors.Dependency("wallet debit failed", err)
	}
	return nil
}

// Balance fetches a user's balance with a short cache-aside TTL.
func (c *Client) Balance(ctx context.Context, userID string) (int64, error) {
	const ttl = 10 * time.Second
	cacheKey := "wallet:balance:" + userID

	if c.cache != nil {
		var cached balanceResponse
		if err := c.cache.Get(ctx, cacheKey, &cached); err == nil {
			return cached.Balance, nil
		}
	}

	var result balanceResponse
	err := c.breaker.Call(func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/v1/wallet/balances/"+userID, nil)
		if reqErr != nil {
			return reqErr
		}

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return doErr
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("wallet balance returned status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return 0, apperrors.Dependency("wallet balance lookup failed", err)
	}

	if c.cache != nil {
		_ = c.cache.Set(ctx, cacheKey, result, ttl)
	}
	return result.Balance, nil
}

func (c *Client) invalidateBalance(ctx context.Context, userID string) {
	if c.cache != nil {
		_ = c.cache.Delete(ctx, "wallet:balance:"+userID)
	}
}
