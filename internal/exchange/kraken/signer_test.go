package kraken

import (
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"kraken-manager/internal/exchange/kraken/krakentest"
)

func TestSignMatchesPublishedExample(t *testing.T) {
	s, err := NewSigner("key", "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg==", nil)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	body := "nonce=1616492376594&ordertype=limit&pair=XBTUSD&price=37500&type=buy&volume=1.25"
	got := sign(s.secret, "/0/private/AddOrder", 1616492376594, body)
	want := "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ=="
	if got != want {
		t.Fatalf("sign() = %q, want %q", got, want)
	}
}

func TestSignerNonceStrictlyIncreasesWhenClockStalls(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	s, err := NewSigner(krakentest.APIKey, krakentest.APISecret, func() time.Time { return frozen })
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	last := int64(0)
	for i := 0; i < 100; i++ {
		n := s.NextNonce()
		if n <= last {
			t.Fatalf("nonce %d = %d, want > %d", i, n, last)
		}
		last = n
	}
	if last != frozen.UnixMilli()+99 {
		t.Fatalf("last nonce = %d, want %d", last, frozen.UnixMilli()+99)
	}
}

func TestSignerNonceSurvivesClockStepBack(t *testing.T) {
	now := time.UnixMilli(2_000)
	s, _ := NewSigner(krakentest.APIKey, krakentest.APISecret, func() time.Time { return now })
	first := s.NextNonce()
	now = time.UnixMilli(1_000)
	if second := s.NextNonce(); second != first+1 {
		t.Fatalf("NextNonce() after step back = %d, want %d", second, first+1)
	}
}

func TestSignEncodesNonceAndDoesNotMutateParams(t *testing.T) {
	s, _ := NewSigner(krakentest.APIKey, krakentest.APISecret, nil)
	params := url.Values{}
	params.Set("pair", "XXBTZUSD")
	req := s.Sign("/0/private/OpenOrders", params)
	if params.Get("nonce") != "" {
		t.Fatalf("Sign() mutated caller params: %v", params)
	}
	if !strings.Contains(req.Body, "nonce="+strconv.FormatInt(req.Nonce, 10)) {
		t.Fatalf("Body = %q, want nonce %d", req.Body, req.Nonce)
	}
	want := krakentest.Sign(req.Path, strconv.FormatInt(req.Nonce, 10), req.Body)
	if req.Signature != want {
		t.Fatalf("Signature = %q, want %q", req.Signature, want)
	}
	again := s.Sign("/0/private/OpenOrders", params)
	if again.Nonce <= req.Nonce || again.Signature == req.Signature {
		t.Fatalf("second Sign() reused nonce or signature")
	}
}

func TestNewSignerRejectsBadSecret(t *testing.T) {
	if _, err := NewSigner("k", "not base64!", nil); err == nil {
		t.Fatalf("NewSigner(bad secret) error = nil")
	}
	if _, err := NewSigner("", "", nil); err == nil {
		t.Fatalf("NewSigner(empty) error = nil")
	}
}
