package billing

import (
	"testing"

	"github.com/stripe/stripe-go/v82"
)

func TestClientSecretPrecedence(t *testing.T) {
	intentPayment := &stripe.InvoicePayment{
		Payment: &stripe.InvoicePaymentPayment{
			PaymentIntent: &stripe.PaymentIntent{ClientSecret: "pi_secret"},
		},
	}
	tests := []struct {
		name       string
		sub        *stripe.Subscription
		wantSecret string
		wantSource string
	}{
		{"nil subscription", nil, "", ""},
		{"nothing expanded", &stripe.Subscription{}, "", ""},
		{
			"confirmation secret wins",
			&stripe.Subscription{
				LatestInvoice: &stripe.Invoice{
					ConfirmationSecret: &stripe.InvoiceConfirmationSecret{ClientSecret: "cs_secret"},
					Payments:           &stripe.InvoicePaymentList{Data: []*stripe.InvoicePayment{intentPayment}},
				},
				PendingSetupIntent: &stripe.SetupIntent{ClientSecret: "seti_secret"},
			},
			"cs_secret", sourceConfirmationSecret,
		},
		{
			"invoice payment intent",
			&stripe.Subscription{
				LatestInvoice: &stripe.Invoice{
					Payments: &stripe.InvoicePaymentList{Data: []*stripe.InvoicePayment{{}, intentPayment}},
				},
				PendingSetupIntent: &stripe.SetupIntent{ClientSecret: "seti_secret"},
			},
			"pi_secret", sourceInvoicePaymentIntent,
		},
		{
			"pending setup intent",
			&stripe.Subscription{
				LatestInvoice:      &stripe.Invoice{},
				PendingSetupIntent: &stripe.SetupIntent{ClientSecret: "seti_secret"},
			},
			"seti_secret", sourcePendingSetupIntent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret, source := clientSecretFromSubscription(tt.sub)
			if secret != tt.wantSecret || source != tt.wantSource {
				t.Errorf("got (%q, %q), want (%q, %q)", secret, source, tt.wantSecret, tt.wantSource)
			}
		})
	}
}

func TestFirstPaymentSecret(t *testing.T) {
	got := firstPaymentSecret([]InvoicePayment{{ID: "inpay_1"}, {ID: "inpay_2", ClientSecret: "pi_2_secret"}})
	if got != "pi_2_secret" {
		t.Errorf("firstPaymentSecret = %q", got)
	}
	if firstPaymentSecret(nil) != "" {
		t.Error("expected empty secret for no payments")
	}
}
