package webhooks

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultTolerance is the maximum accepted age of a signature timestamp.
const DefaultTolerance = 5 * time.Minute

// ErrSignatureInvalid covers missing, malformed, forged and stale signatures alike.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// Verifier checks the processor's timestamped HMAC-SHA256 signature over the raw body.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier for the endpoint signing secret.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify returns payload unchanged when header carries a valid signature for it.
// payload must be the exact bytes received; any re-encoding breaks the signature.
func (v *Verifier) Verify(payload []byte, header string) ([]byte, error) {
	if header == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}
	if v.secret == "" {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrSignatureInvalid)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return payload, nil
}
