// Package krakentest runs a scripted fake of the Kraken REST API for tests.
package krakentest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

const (
	APIKey = "test-key"
	// APISecret is base64 of "kraken-manager-test-secret".
	APISecret = "a3Jha2VuLW1hbmFnZXItdGVzdC1zZWNyZXQ="
)

// Response is one scripted reply. Body, when set, is written verbatim.
// Otherwise the envelope is built from Errors and Result.
type Response struct {
	Status int
	Body   string
	Errors []string
	Result any
	// Drop closes the connection without replying.
	Drop  bool
	Delay time.Duration
}

// OK wraps result in a success envelope.
func OK(result any) Response { return Response{Result: result} }

// Fail replies with exchange error messages.
func Fail(messages ...string) Response { return Response{Errors: messages} }

type Call struct {
	Method  string
	Private bool
	Form    url.Values
	Header  http.Header
}

// Offset returns the ofs parameter of a paged call.
func (c Call) Offset() int {
	n, _ := strconv.Atoi(c.Form.Get("ofs"))
	return n
}

type Handler func(Call) Response

type Server struct {
	*httptest.Server

	mu        sync.Mutex
	scripts   map[string][]Response
	handlers  map[string]Handler
	calls     []Call
	lastNonce int64
	// CheckNonce rejects non-increasing nonces like the exchange does.
	CheckNonce bool
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		scripts:    make(map[string][]Response),
		handlers:   make(map[string]Handler),
		CheckNonce: true,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Script queues responses for method. Queued responses are served before the handler.
func (s *Server) Script(method string, responses ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[method] = append(s.scripts[method], responses...)
}

// Handle sets the fallback handler for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Calls returns recorded calls to method, or all calls when method is empty.
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	call, resp, ok := s.route(r)
	if !ok {
		writeEnvelope(w, http.StatusNotFound, []string{"EGeneral:Unknown method"}, nil)
		return
	}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if resp.Drop {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		panic(http.ErrAbortHandler)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Body != "" {
		w.WriteHeader(status)
		io.WriteString(w, resp.Body)
		return
	}
	writeEnvelope(w, status, resp.Errors, resp.Result)
}

func (s *Server) route(r *http.Request) (Call, Response, bool) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "0" {
		return Call{}, Response{}, false
	}
	call := Call{Method: parts[2], Header: r.Header.Clone()}
	switch parts[1] {
	case "public":
		call.Form = r.URL.Query()
	case "private":
		call.Private = true
		body, _ := io.ReadAll(r.Body)
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return call, Fail("EGeneral:Invalid arguments"), true
		}
		call.Form = form
		if resp, rejected := s.authenticate(r.URL.Path, string(body), call); rejected {
			return call, resp, true
		}
	default:
		return Call{}, Response{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if queue := s.scripts[call.Method]; len(queue) > 0 {
		s.scripts[call.Method] = queue[1:]
		return call, queue[0], true
	}
	if h, ok := s.handlers[call.Method]; ok {
		s.mu.Unlock()
		resp := h(call)
		s.mu.Lock()
		return call, resp, true
	}
	return call, Fail("EGeneral:Unknown method"), true
}

func (s *Server) authenticate(path, body string, call Call) (Response, bool) {
	if call.Header.Get("API-Key") != APIKey {
		return Fail("EAPI:Invalid key"), true
	}
	nonceStr := call.Form.Get("nonce")
	nonce, err := strconv.ParseInt(nonceStr, 10, 64)
	if err != nil {
		return Fail("EAPI:Invalid nonce"), true
	}
	if call.Header.Get("API-Sign") != Sign(path, nonceStr, body) {
		return Fail("EAPI:Invalid signature"), true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CheckNonce && nonce <= s.lastNonce {
		return Fail("EAPI:Invalid nonce"), true
	}
	s.lastNonce = nonce
	return Response{}, false
}

// Sign computes the API-Sign header the server expects for a private call.
func Sign(path, nonce, body string) string {
	secret, _ := base64.StdEncoding.DecodeString(APISecret)
	digest := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func writeEnvelope(w http.ResponseWriter, status int, errs []string, result any) {
	if errs == nil {
		errs = []string{}
	}
	payload := map[string]any{"error": errs}
	if result != nil {
		payload["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Row is one entry of a paged history result.
type Row struct {
	ID    string
	Value any
}

// Paged serves rows pageSize at a time by the ofs parameter under key, with
// the total in count, the way TradesHistory and Ledgers page.
func Paged(key string, rows []Row, pageSize int) Handler {
	return func(c Call) Response {
		off := c.Offset()
		page := make(map[string]any)
		for i := off; i >= 0 && i < len(rows) && i < off+pageSize; i++ {
			page[rows[i].ID] = rows[i].Value
		}
		return OK(map[string]any{key: page, "count": len(rows)})
	}
}
