package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// ErrOutcomeUnknown wraps failures after which the withdrawal may or may not
// have executed. Retrying with the same reference is safe.
var ErrOutcomeUnknown = errors.New("withdrawal outcome unknown")

// IdempotencyHeader carries the payout reference to the withdrawal service.
const IdempotencyHeader = "Idempotency-Key"

// HTTPConfig configures a withdrawal endpoint payer.
type HTTPConfig struct {
	URL       string
	Token     string
	Timeout   time.Duration
	// Namespace prefixes every idempotency key so raffles sharing one
	// withdrawal service never collide.
	Namespace string
}

// HTTPPayer submits payouts to an external withdrawal service. The service
// must execute at most one withdrawal per idempotency key and answer repeats
// with the original result.
type HTTPPayer struct {
	url        string
	token      string
	namespace  string
	httpClient *http.Client
	log        *logger.Logger
}

type transferRequest struct {
	Reference string `json:"reference"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
}

// NewHTTPPayer builds a payer posting to cfg.URL.
func NewHTTPPayer(cfg HTTPConfig, log *logger.Logger) (*HTTPPayer, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("payout url is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("payout-http")
	}
	return &HTTPPayer{
		url:        cfg.URL,
		token:      cfg.Token,
		namespace:  cfg.Namespace,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}, nil
}

func (p *HTTPPayer) key(reference string) string {
	if p.namespace == "" {
		return reference
	}
	return p.namespace + ":" + reference
}

// Transfer posts the withdrawal and requires a transaction hash back. The
// response shape is {"tx_hash": "..."} or {"error": "..."}.
func (p *HTTPPayer) Transfer(ctx context.Context, reference string, to common.Address, amount *uint256.Int) error {
	if reference == "" {
		return ErrMissingReference
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	key := p.key(reference)
	body, err := json.Marshal(transferRequest{Reference: key, To: to.Hex(), Amount: amount.Dec()})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(IdempotencyHeader, key)
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: send request %s: %w", ErrOutcomeUnknown, key, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response %s: %w", ErrOutcomeUnknown, key, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(respBody, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		switch {
		case resp.StatusCode == http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %s", ErrRecipientRejected, msg)
		case resp.StatusCode == http.StatusConflict:
			return fmt.Errorf("%w: %s: %s", ErrReferenceConflict, key, msg)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: %s - %s", ErrOutcomeUnknown, resp.Status, msg)
		}
		return fmt.Errorf("withdrawal failed: %s - %s", resp.Status, msg)
	}

	txHash := gjson.GetBytes(respBody, "tx_hash")
	if !txHash.Exists() || txHash.String() == "" {
		return fmt.Errorf("%w: response for %s missing tx_hash", ErrOutcomeUnknown, key)
	}

	p.log.WithField("to", to.Hex()).
		WithField("amount", amount.Dec()).
		WithField("reference", key).
		WithField("tx_hash", txHash.String()).
		Info("payout submitted")
	return nil
}
