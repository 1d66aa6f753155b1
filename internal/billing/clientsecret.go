package billing

import "github.com/stripe/stripe-go/v82"

// Names of the places a client secret can be found, in precedence order.
const (
	sourceConfirmationSecret   = "latest_invoice.confirmation_secret"
	sourceInvoicePaymentIntent = "latest_invoice.payments.payment_intent"
	sourcePendingSetupIntent   = "pending_setup_intent"
	sourceInvoicePaymentsAPI   = "invoice_payments.list"
)

// clientSecretSource extracts a client secret from one location of an expanded subscription.
type clientSecretSource struct {
	name   string
	lookup func(*stripe.Subscription) string
}

// clientSecretPrecedence is the ordered fallback across processor API versions.
// The invoice-payments list call is the last resort and lives in StripeProcessor
// because it needs a network round-trip.
var clientSecretPrecedence = []clientSecretSource{
	{sourceConfirmationSecret, func(s *stripe.Subscription) string {
		if s.LatestInvoice == nil || s.LatestInvoice.ConfirmationSecret == nil {
			return ""
		}
		return s.LatestInvoice.ConfirmationSecret.ClientSecret
	}},
	{sourceInvoicePaymentIntent, func(s *stripe.Subscription) string {
		if s.LatestInvoice == nil || s.LatestInvoice.Payments == nil {
			return ""
		}
		for _, p := range s.LatestInvoice.Payments.Data {
			if secret := invoicePaymentSecret(p); secret != "" {
				return secret
			}
		}
		return ""
	}},
	{sourcePendingSetupIntent, func(s *stripe.Subscription) string {
		if s.PendingSetupIntent == nil {
			return ""
		}
		return s.PendingSetupIntent.ClientSecret
	}},
}

// clientSecretFromSubscription walks clientSecretPrecedence and returns the first
// non-empty secret with the name of the source that produced it.
func clientSecretFromSubscription(sub *stripe.Subscription) (secret, source string) {
	if sub == nil {
		return "", ""
	}
	for _, src := range clientSecretPrecedence {
		if v := src.lookup(sub); v != "" {
			return v, src.name
		}
	}
	return "", ""
}

func invoicePaymentSecret(p *stripe.InvoicePayment) string {
	if p == nil || p.Payment == nil || p.Payment.PaymentIntent == nil {
		return ""
	}
	return p.Payment.PaymentIntent.ClientSecret
}

func firstPaymentSecret(payments []InvoicePayment) string {
	for _, p := range payments {
		if p.ClientSecret != "" {
			return p.ClientSecret
		}
	}
	return ""
}
