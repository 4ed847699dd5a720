package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eltris/escrowd/internal/platform/timeouts"
)

// DefaultPollInterval paces update polling against an HTTP provider daemon.
const DefaultPollInterval = 2 * time.Second

// HTTPProvider talks to a rail daemon over its HTTP interface. The same
// daemon surface covers hold invoices and chain swaps; the engine subscribes
// to whichever update feed the wired rail consumes.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	poll    time.Duration
}

// NewHTTPProvider builds a provider client for the given daemon base URL.
func NewHTTPProvider(baseURL string, pollInterval time.Duration) (*HTTPProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("provider url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse provider url: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeouts.RailCall},
		poll:    pollInterval,
	}, nil
}

type createHoldBody struct {
	Commitment    string `json:"commitment"`
	Amount        int64  `json:"amount"`
	ExpirySeconds int64  `json:"expiry_seconds"`
}

type createHoldReply struct {
	InstrumentID   string `json:"instrument_id"`
	PaymentRequest string `json:"payment_request"`
}

// CreateHoldInvoice implements InvoiceProvider.
func (p *HTTPProvider) CreateHoldInvoice(ctx context.Context, commitment string, amount int64, expiry time.Duration) (string, string, error) {
	var reply createHoldReply
	err := p.post(ctx, "/holds", createHoldBody{
		Commitment:    commitment,
		Amount:        amount,
		ExpirySeconds: int64(expiry.Seconds()),
	}, &reply)
	if err != nil {
		return "", "", err
	}
	return reply.InstrumentID, reply.PaymentRequest, nil
}

// SettleHold implements InvoiceProvider.
func (p *HTTPProvider) SettleHold(ctx context.Context, preimage string) error {
	return p.post(ctx, "/holds/settle", map[string]string{"preimage": preimage}, nil)
}

// CancelHold implements InvoiceProvider.
func (p *HTTPProvider) CancelHold(ctx context.Context, commitment string) error {
	return p.post(ctx, "/holds/cancel", map[string]string{"commitment": commitment}, nil)
}

type holdUpdateReply struct {
	Cursor     uint64 `json:"cursor"`
	Commitment string `json:"commitment"`
	Amount     int64  `json:"amount"`
	Accepted   bool   `json:"accepted"`
	Failed     bool   `json:"failed"`
	Reason     string `json:"reason"`
}

// SubscribeHolds implements InvoiceProvider by polling the daemon's update
// feed. The channel closes when ctx ends.
func (p *HTTPProvider) SubscribeHolds(ctx context.Context) (<-chan HoldUpdate, error) {
	out := make(chan HoldUpdate)
	go func() {
		defer close(out)
		var cursor uint64
		ticker := time.NewTicker(p.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			var updates []holdUpdateReply
			if err := p.get(ctx, "/holds/updates?cursor="+strconv.FormatUint(cursor, 10), &updates); err != nil {
				log.Printf("event=rail_poll_failed rail=hold_invoice error=%v", err)
				continue
			}
			for _, u := range updates {
				if u.Cursor > cursor {
					cursor = u.Cursor
				}
				select {
				case out <- HoldUpdate{
					Commitment: u.Commitment,
					Amount:     u.Amount,
					Accepted:   u.Accepted,
					Failed:     u.Failed,
					Reason:     u.Reason,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type createSwapReply struct {
	SwapID  string `json:"swap_id"`
	Address string `json:"address"`
}

// CreateSwap implements SwapProvider.
func (p *HTTPProvider) CreateSwap(ctx context.Context, commitment string, amount int64, expiry time.Duration) (string, string, error) {
	var reply createSwapReply
	err := p.post(ctx, "/swaps", createHoldBody{
		Commitment:    commitment,
		Amount:        amount,
		ExpirySeconds: int64(expiry.Seconds()),
	}, &reply)
	if err != nil {
		return "", "", err
	}
	return reply.SwapID, reply.Address, nil
}

// ClaimSwap implements SwapProvider.
func (p *HTTPProvider) ClaimSwap(ctx context.Context, preimage string) error {
	return p.post(ctx, "/swaps/claim", map[string]string{"preimage": preimage}, nil)
}

// RefundSwap implements SwapProvider.
func (p *HTTPProvider) RefundSwap(ctx context.Context, commitment string) error {
	return p.post(ctx, "/swaps/refund", map[string]string{"commitment": commitment}, nil)
}

type swapUpdateReply struct {
	Cursor        uint64 `json:"cursor"`
	Commitment    string `json:"commitment"`
	Amount        int64  `json:"amount"`
	Confirmations int    `json:"confirmations"`
	Failed        bool   `json:"failed"`
	Reason        string `json:"reason"`
}

// SubscribeSwaps implements SwapProvider by polling the daemon's update feed.
func (p *HTTPProvider) SubscribeSwaps(ctx context.Context) (<-chan SwapUpdate, error) {
	out := make(chan SwapUpdate)
	go func() {
		defer close(out)
		var cursor uint64
		ticker := time.NewTicker(p.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			var updates []swapUpdateReply
			if err := p.get(ctx, "/swaps/updates?cursor="+strconv.FormatUint(cursor, 10), &updates); err != nil {
				log.Printf("event=rail_poll_failed rail=chain_swap error=%v", err)
				continue
			}
			for _, u := range updates {
				if u.Cursor > cursor {
					cursor = u.Cursor
				}
				select {
				case out <- SwapUpdate{
					Commitment:    u.Commitment,
					Amount:        u.Amount,
					Confirmations: u.Confirmations,
					Failed:        u.Failed,
					Reason:        u.Reason,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, body any, reply any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode provider request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, reply)
}

func (p *HTTPProvider) get(ctx context.Context, path string, reply any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	return p.do(req, reply)
}

func (p *HTTPProvider) do(req *http.Request, reply any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	if reply == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
