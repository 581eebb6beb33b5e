package validator

import (
	"enrollment-reconciler/internal/domain"
	"testing"
)

func TestResolveIdentityPriority(t *testing.T) {
	tests := []struct {
		name   string
		detail *domain.TransactionDetail
		want   string
		wantOK bool
	}{
		{
			name: "customer email wins",
			detail: &domain.TransactionDetail{
				Customer:       &domain.Customer{Email: "first@x.com"},
				CustomerEmail:  "legacy@x.com",
				Receipt:        &domain.Receipt{CustomerEmail: "receipt@x.com"},
				VirtualAccount: &domain.VirtualAccount{CustomerEmail: "va@x.com"},
			},
			want:   "first@x.com",
			wantOK: true,
		},
		{
			name: "legacy field when customer blank",
			detail: &domain.TransactionDetail{
				Customer:      &domain.Customer{Email: "  "},
				CustomerEmail: "legacy@x.com",
				Receipt:       &domain.Receipt{CustomerEmail: "receipt@x.com"},
			},
			want:   "legacy@x.com",
			wantOK: true,
		},
		{
			name: "receipt email",
			detail: &domain.TransactionDetail{
				Receipt:        &domain.Receipt{CustomerEmail: "receipt@x.com"},
				VirtualAccount: &domain.VirtualAccount{CustomerEmail: "va@x.com"},
			},
			want:   "receipt@x.com",
			wantOK: true,
		},
		{
			name:   "virtual account email",
			detail: &domain.TransactionDetail{VirtualAccount: &domain.VirtualAccount{CustomerEmail: "va@x.com"}},
			want:   "va@x.com",
			wantOK: true,
		},
		{
			name: "malformed customer email falls through",
			detail: &domain.TransactionDetail{
				Customer: &domain.Customer{Email: "not-an-email"},
				Receipt:  &domain.Receipt{CustomerEmail: "receipt@x.com"},
			},
			want:   "receipt@x.com",
			wantOK: true,
		},
		{
			name: "only malformed values",
			detail: &domain.TransactionDetail{
				Customer:      &domain.Customer{Email: "not-an-email"},
				CustomerEmail: "홍길동",
			},
			wantOK: false,
		},
		{
			name:   "nothing present",
			detail: &domain.TransactionDetail{CustomerName: "홍길동"},
			wantOK: false,
		},
		{
			name:   "nil detail",
			detail: nil,
			wantOK: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ResolveIdentity(tc.detail, DefaultIdentityExtractors)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if got != tc.want {
				t.Fatalf("identity = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveIdentityCustomOrder(t *testing.T) {
	detail := &domain.TransactionDetail{
		Customer:       &domain.Customer{Email: "first@x.com"},
		VirtualAccount: &domain.VirtualAccount{CustomerEmail: "va@x.com"},
	}

	got, ok := ResolveIdentity(detail, []IdentityExtractor{VirtualAccountEmail, CustomerEmail})
	if !ok || got != "va@x.com" {
		t.Fatalf("expected va@x.com, got %q (ok=%v)", got, ok)
	}
}
