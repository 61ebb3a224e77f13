package bolt11

import "testing"

func TestAmountMsat(t *testing.T) {
	cases := []struct {
		name    string
		invoice string
		want    int64
		wantOk  bool
	}{
		{"micro-bitcoin", "lnbc2500u1p3xnhl2pp5...", 250000000, true},
		{"milli-bitcoin", "lnbc1m1p3xnhl2pp5...", 100000000, true},
		{"nano-bitcoin", "lnbc25000000n1p3...", 2500000000, true},
		{"pico-bitcoin", "lnbc250000000p1p3...", 25000000, true},
		{"no amount", "lnbc1p3xnhl2pp5...", 0, false},
		{"not an invoice", "not-an-invoice", 0, false},
		{"testnet prefix", "lntb500u1p3...", 50000000, true},
		{"lightning: scheme prefix", "lightning:lnbc2500u1p3xnhl2pp5...", 250000000, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := AmountMsat(tc.invoice)
			if ok != tc.wantOk {
				t.Fatalf("AmountMsat(%q) ok = %v, want %v", tc.invoice, ok, tc.wantOk)
			}
			if ok && got != tc.want {
				t.Errorf("AmountMsat(%q) = %d, want %d", tc.invoice, got, tc.want)
			}
		})
	}
}

func TestAmountMsatRejectsNonMultipleOfTenPico(t *testing.T) {
	if _, ok := AmountMsat("lnbc250000001p1p3..."); ok {
		t.Error("pico amount not divisible by 10 should be rejected")
	}
}
