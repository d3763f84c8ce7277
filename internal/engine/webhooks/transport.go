package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"signet/internal/platform/config"
)

const (
	DeliveryIDRandom = "random"
	DeliveryIDStable = "stable"

	defaultProduct         = "Signet"
	defaultTimeout         = 10 * time.Second
	defaultMaxResponseBody = 1000
)

type DeliveryRequest struct {
	URL       string
	Secret    string
	EventType string
	EventID   string
	Attempt   int
	// Payload is sent verbatim and is the exact input of the signature.
	Payload []byte
}

type DeliveryResult struct {
	Success        bool
	StatusCode     *int
	ResponseBody   *string
	ResponseTimeMs int64
	ErrorMessage   string
	DeliveryID     string
}

// Transport performs single delivery attempts. It never follows redirects and never returns an
// error: every outcome is described by the DeliveryResult.
type Transport struct {
	client          *http.Client
	product         string
	maxResponseBody int
	deliveryIDMode  string
	now             func() time.Time
}

func NewTransport(cfg config.WebhooksConfig) *Transport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	product := cfg.ProductName
	if product == "" {
		product = defaultProduct
	}
	maxBody := cfg.MaxResponseBody
	if maxBody <= 0 {
		maxBody = defaultMaxResponseBody
	}

	return &Transport{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		product:         product,
		maxResponseBody: maxBody,
		deliveryIDMode:  cfg.DeliveryIDMode,
		now:             time.Now,
	}
}

func (t *Transport) Deliver(ctx context.Context, req DeliveryRequest) DeliveryResult {
	timestamp := t.now().Unix()
	result := DeliveryResult{DeliveryID: DeliveryID(t.deliveryIDMode, req.EventID, req.Attempt)}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	signature := Sign(req.Payload, req.Secret, timestamp)
	httpReq.Header = BuildHeaders(t.product, req.EventType, result.DeliveryID, timestamp, signature)

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	result.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	result.StatusCode = &status

	body, err := readTruncated(resp.Body, t.maxResponseBody)
	if err == nil {
		result.ResponseBody = &body
	}
	// Drain a bounded remainder so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if status >= 200 && status < 300 {
		result.Success = true
		return result
	}
	result.ErrorMessage = fmt.Sprintf("HTTP %d", status)
	return result
}

// readTruncated reads at most max characters of r.
func readTruncated(r io.Reader, max int) (string, error) {
	buf, err := io.ReadAll(io.LimitReader(r, int64(max)*utf8.UTFMax))
	if err != nil {
		return "", err
	}
	s := string(buf)
	if utf8.RuneCountInString(s) <= max {
		return s, nil
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], nil
		}
		n++
	}
	return s, nil
}

// ShouldRetry classifies a delivery outcome. A nil status is a network-level failure.
func ShouldRetry(status *int) bool {
	if status == nil {
		return true
	}
	code := *status
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500 && code <= 599:
		return true
	default:
		return false
	}
}

// DeliveryID returns the X-<Product>-Delivery-ID of one attempt. The stable mode derives the id
// from the event and attempt number so receivers can recognise redeliveries of the same attempt.
func DeliveryID(mode, eventID string, attempt int) string {
	if mode == DeliveryIDStable {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s:%d", eventID, attempt))).String()
	}
	return uuid.New().String()
}
