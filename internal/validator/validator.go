package validator

import (
	"enrollment-reconciler/internal/domain"
	"errors"
	"regexp"
	"strings"
)

var (
	ErrEmptyEmail         = errors.New("email is empty")
	ErrInvalidEmailFormat = errors.New("invalid email format")
	ErrEmptyOrderID       = errors.New("order ID is empty")
	ErrEmptyPaymentKey    = errors.New("payment key is empty")
)

const StatusDone = "DONE"

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// bankTransferMethods maps every alias the gateway uses for bank-transfer
// style settlement to its canonical name.
var bankTransferMethods = map[string]string{
	"VIRTUAL_ACCOUNT": "VIRTUAL_ACCOUNT",
	"가상계좌":            "VIRTUAL_ACCOUNT",
	"TRANSFER":        "TRANSFER",
	"계좌이체":            "TRANSFER",
}

func ValidateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return ErrEmptyEmail
	}
	if !emailRegex.MatchString(email) {
		return ErrInvalidEmailFormat
	}
	return nil
}

func ValidateTransaction(tx domain.Transaction) error {
	if strings.TrimSpace(tx.OrderID) == "" {
		return ErrEmptyOrderID
	}
	if strings.TrimSpace(tx.PaymentKey) == "" {
		return ErrEmptyPaymentKey
	}
	return nil
}

// NormalizeMethod returns the canonical bank-transfer method name, or "" for
// any other method.
func NormalizeMethod(method string) string {
	return bankTransferMethods[strings.ToUpper(strings.TrimSpace(method))]
}

// IsSettledTransfer reports whether a ledger entry is a completed
// bank-transfer style payment eligible for enrollment.
func IsSettledTransfer(tx domain.Transaction) bool {
	if !strings.EqualFold(strings.TrimSpace(tx.Status), StatusDone) {
		return false
	}
	return NormalizeMethod(tx.Method) != ""
}

// FilterSettled keeps eligible entries in their original order.
func FilterSettled(txs []domain.Transaction) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if IsSettledTransfer(tx) {
			out = append(out, tx)
		}
	}
	return out
}
