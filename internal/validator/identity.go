package validator

import (
	"enrollment-reconciler/internal/domain"
	"strings"
)

// IdentityExtractor pulls a purchaser email out of a payment detail.
type IdentityExtractor func(d *domain.TransactionDetail) string

func CustomerEmail(d *domain.TransactionDetail) string {
	if d.Customer == nil {
		return ""
	}
	return d.Customer.Email
}

func LegacyCustomerEmail(d *domain.TransactionDetail) string {
	return d.CustomerEmail
}

func ReceiptEmail(d *domain.TransactionDetail) string {
	if d.Receipt == nil {
		return ""
	}
	return d.Receipt.CustomerEmail
}

func VirtualAccountEmail(d *domain.TransactionDetail) string {
	if d.VirtualAccount == nil {
		return ""
	}
	return d.VirtualAccount.CustomerEmail
}

// DefaultIdentityExtractors is the lookup order used by the reconciler.
var DefaultIdentityExtractors = []IdentityExtractor{
	CustomerEmail,
	LegacyCustomerEmail,
	ReceiptEmail,
	VirtualAccountEmail,
}

// ResolveIdentity returns the first well-formed email produced by
// extractors. Blank or malformed values fall through to the next extractor.
func ResolveIdentity(d *domain.TransactionDetail, extractors []IdentityExtractor) (string, bool) {
	if d == nil {
		return "", false
	}
	for _, extract := range extractors {
		email := strings.TrimSpace(extract(d))
		if ValidateEmail(email) == nil {
			return email, true
		}
	}
	return "", false
}
