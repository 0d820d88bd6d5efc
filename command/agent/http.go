package agent

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/rs/cors"

	"github.com/secretdrop/sirr/sirr/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported.
	ErrInvalidMethod = "Invalid method"

	// errUnauthorized never reveals whether an API key is configured.
	errUnauthorized = "unauthorized"
)

// HTTPServer wraps an Agent and exposes it over an HTTP interface.
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	Addr       string
}

// NewHTTPServer starts a new HTTP server over the agent.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", config.Host, config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %v", err)
	}

	mux := http.NewServeMux()
	srv := &HTTPServer{
		agent:      agent,
		mux:        mux,
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("http"),
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers()

	corsOrigins := config.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	corsWrapper := cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"HEAD", "GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	go func() {
		defer close(srv.listenerCh)
		http.Serve(ln, corsWrapper.Handler(mux))
	}()

	return srv, nil
}

// Shutdown closes the listener and blocks until http.Serve has returned.
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
		<-s.listenerCh
	}
}

// registerHandlers attaches the endpoints to the mux.
func (s *HTTPServer) registerHandlers() {
	s.mux.HandleFunc("/health", s.wrap(s.HealthRequest))
	s.mux.HandleFunc("/secrets", s.wrap(s.SecretsRequest))
	s.mux.HandleFunc("/secrets/", s.wrap(s.SecretSpecificRequest))
	s.mux.HandleFunc("/prune", s.wrap(s.PruneRequest))
	s.mux.HandleFunc("/audit", s.wrap(s.AuditRequest))
	s.mux.HandleFunc("/webhooks", s.wrap(s.WebhooksRequest))
	s.mux.HandleFunc("/webhooks/", s.wrap(s.WebhookSpecificRequest))
}

// HTTPCodedError is used to provide the HTTP error code.
type HTTPCodedError interface {
	error
	Code() int
}

// CodedError makes an error with an explicit HTTP status.
func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string { return e.s }
func (e *codedError) Code() int     { return e.code }

// errorResponse is the JSON error body shape.
type errorResponse struct {
	Error string `json:"error"`
}

// wrap adapts an endpoint returning (obj, error) into an http.HandlerFunc,
// mapping the error taxonomy onto status codes and encoding bodies as JSON.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()

		obj, err := handler(resp, req)
		if err != nil {
			code, msg := errToCode(err)
			if code == http.StatusInternalServerError {
				// Internal details (including any crypto failure) stay in
				// the log; the caller gets a generic message.
				s.logger.Error("request failed", "method", req.Method, "path", reqURL, "error", err)
				msg = "internal server error"
			}
			writeJSON(resp, code, &errorResponse{Error: msg})
			return
		}

		if obj != nil {
			writeJSON(resp, http.StatusOK, obj)
		}
	}
}

// errToCode maps store and validation errors onto HTTP statuses.
func errToCode(err error) (int, string) {
	var coded HTTPCodedError
	if errors.As(err, &coded) {
		return coded.Code(), coded.Error()
	}
	switch {
	case errors.Is(err, structs.ErrSecretNotFound):
		return http.StatusNotFound, "not found or expired"
	case errors.Is(err, structs.ErrPatchConflict):
		return http.StatusConflict, structs.ErrPatchConflict.Error()
	case errors.Is(err, structs.ErrWebhookLimit):
		return http.StatusBadRequest, structs.ErrWebhookLimit.Error()
	case structs.IsValidationError(err):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

func writeJSON(resp http.ResponseWriter, code int, obj interface{}) {
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(code)
	json.NewEncoder(resp).Encode(obj)
}

// checkAuth compares the bearer token against the configured API key in
// constant time. An unconfigured key leaves every route open. The 401 body
// is always the same generic message.
func (s *HTTPServer) checkAuth(req *http.Request) error {
	expected := s.agent.config.APIKey
	if expected == "" {
		return nil
	}
	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return CodedError(http.StatusUnauthorized, errUnauthorized)
	}
	return nil
}

// decodeBody decodes a JSON request body.
func decodeBody(req *http.Request, out interface{}) error {
	if req.Body == nil {
		return CodedError(http.StatusBadRequest, "request body is required")
	}
	if err := json.NewDecoder(req.Body).Decode(out); err != nil {
		return CodedError(http.StatusBadRequest, fmt.Sprintf("failed to decode request body: %v", err))
	}
	return nil
}

// requestIP attributes the request to a caller IP for the audit log.
// X-Forwarded-For (first token) and X-Real-IP are only trusted when the raw
// peer is inside the configured trusted proxy CIDRs.
func (s *HTTPServer) requestIP(req *http.Request) string {
	peer := req.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}

	if !s.peerIsTrustedProxy(peer) {
		return peer
	}

	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := req.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return peer
}

func (s *HTTPServer) peerIsTrustedProxy(peer string) bool {
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.agent.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
