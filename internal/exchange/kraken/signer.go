package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// SignedRequest is one authenticated private call ready to send. A stale
// nonce rejection needs a new SignedRequest, never a resend of this one.
type SignedRequest struct {
	Path      string
	Nonce     int64
	Body      string
	Signature string
}

// Signer issues strictly increasing nonces and signs private payloads.
type Signer struct {
	apiKey string
	secret []byte
	now    func() time.Time

	mu        sync.Mutex
	lastNonce int64
}

func NewSigner(apiKey, apiSecret string, now func() time.Time) (*Signer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("decode api_secret: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Signer{apiKey: apiKey, secret: secret, now: now}, nil
}

func (s *Signer) APIKey() string { return s.apiKey }

// NextNonce returns the wall clock in milliseconds, bumped past the previous
// nonce when the clock stalls or steps back.
func (s *Signer) NextNonce() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.now().UnixMilli()
	if n <= s.lastNonce {
		n = s.lastNonce + 1
	}
	s.lastNonce = n
	return n
}

// Sign encodes params with a fresh nonce and computes the API-Sign value for path.
func (s *Signer) Sign(path string, params url.Values) SignedRequest {
	values := url.Values{}
	for k, v := range params {
		values[k] = append([]string(nil), v...)
	}
	nonce := s.NextNonce()
	values.Set("nonce", strconv.FormatInt(nonce, 10))
	body := values.Encode()
	return SignedRequest{
		Path:      path,
		Nonce:     nonce,
		Body:      body,
		Signature: sign(s.secret, path, nonce, body),
	}
}

// sign computes base64(HMAC-SHA512(secret, path + SHA256(nonce + body))).
func sign(secret []byte, path string, nonce int64, body string) string {
	digest := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
