package verifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/metergate/metergate/internal/clock"
	subscriptiondomain "github.com/metergate/metergate/internal/subscription/domain"
)

// SignatureHeader carries the signed timestamp and digest of a webhook
// delivery, in the provider's "t=...,v1=..." format.
const SignatureHeader = "Metergate-Signature"

// Verifier checks webhook signatures and parses event payloads.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	clock     clock.Clock
}

func New(secret string, tolerance time.Duration, clk clock.Clock) *Verifier {
	return &Verifier{
		secret:    []byte(strings.TrimSpace(secret)),
		tolerance: tolerance,
		clock:     clk,
	}
}

// Verify validates the digest and the signed timestamp. Nothing about the
// payload is trusted before this passes.
func (v *Verifier) Verify(payload []byte, sigHeader string) error {
	if len(v.secret) == 0 {
		return subscriptiondomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return subscriptiondomain.ErrInvalidSignature
	}

	if v.tolerance > 0 {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return subscriptiondomain.ErrInvalidSignature
		}
		age := v.clock.Now().Sub(time.Unix(ts, 0).UTC())
		if age > v.tolerance || age < -v.tolerance {
			return subscriptiondomain.ErrInvalidSignature
		}
	}

	expected := computeSignature(v.secret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return subscriptiondomain.ErrInvalidSignature
}

// Sign produces a valid signature header for the payload. Used by clients
// and tests; the server only verifies.
func Sign(secret string, at time.Time, payload []byte) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, computeSignature([]byte(secret), timestamp, payload))
}

type webhookEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			Subscription     string `json:"subscription"`
			Tier             string `json:"tier"`
			Status           string `json:"status"`
			CurrentPeriodEnd int64  `json:"current_period_end"`
		} `json:"object"`
	} `json:"data"`
}

// Parse decodes a verified payload into the provider-agnostic event shape.
func (v *Verifier) Parse(provider string, payload []byte) (*subscriptiondomain.Event, error) {
	if !json.Valid(payload) {
		return nil, subscriptiondomain.ErrInvalidPayload
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, subscriptiondomain.ErrInvalidPayload
	}

	event := &subscriptiondomain.Event{
		Provider:        provider,
		ProviderEventID: envelope.ID,
		Type:            envelope.Type,
		SubscriptionID:  envelope.Data.Object.Subscription,
		Tier:            envelope.Data.Object.Tier,
		Status:          envelope.Data.Object.Status,
		Raw:             payload,
	}
	if envelope.Created > 0 {
		event.OccurredAt = time.Unix(envelope.Created, 0).UTC()
	}
	if envelope.Data.Object.CurrentPeriodEnd > 0 {
		end := time.Unix(envelope.Data.Object.CurrentPeriodEnd, 0).UTC()
		event.CurrentPeriodEnd = &end
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

func computeSignature(secret []byte, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (string, []string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil, subscriptiondomain.ErrInvalidSignature
	}

	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		switch keyValue[0] {
		case "t":
			timestamp = keyValue[1]
		case "v1":
			signatures = append(signatures, keyValue[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		return "", nil, subscriptiondomain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
