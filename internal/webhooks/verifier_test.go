package webhooks

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

func sign(t *testing.T, payload []byte, at time.Time) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: at,
	})
	return signed.Header
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	v := NewVerifier(testSecret, 0)
	got, err := v.Verify(payload, sign(t, payload, time.Now()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("verified bytes differ from input")
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"id":"evt_1","type":"invoice.paid"}`),
		[]byte(`not even json`),
		[]byte(`{}`),
	}
	v := NewVerifier(testSecret, 0)
	for _, payload := range payloads {
		header := sign(t, payload, time.Now())
		tampered := append(bytes.Clone(payload), ' ')
		if _, err := v.Verify(tampered, header); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("tampered %q: err = %v, want ErrSignatureInvalid", payload, err)
		}
	}
}

func TestVerifyRejects(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	tests := []struct {
		name   string
		secret string
		header string
	}{
		{"missing header", testSecret, ""},
		{"garbage header", testSecret, "nonsense"},
		{"wrong secret", "whsec_other", sign(t, payload, time.Now())},
		{"stale timestamp", testSecret, sign(t, payload, time.Now().Add(-time.Hour))},
		{"no configured secret", "", sign(t, payload, time.Now())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(tt.secret, 5*time.Minute)
			if _, err := v.Verify(payload, tt.header); !errors.Is(err, ErrSignatureInvalid) {
				t.Errorf("err = %v, want ErrSignatureInvalid", err)
			}
		})
	}
}
