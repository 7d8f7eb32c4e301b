// Package server implements an HTTP service verifying SGX quotes.
package server

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/edgelesssys/go-sgx-qvl/internal/logging"
	"github.com/edgelesssys/go-sgx-qvl/verification"
	"github.com/edgelesssys/go-sgx-qvl/verification/status"
	"github.com/edgelesssys/go-sgx-qvl/verification/types"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	contentTypeRaw    = "application/octet-stream"
	contentTypeBase64 = "text/plain"
	shutdownTimeout   = 5 * time.Second
)

type quoteVerifier interface {
	Verify(ctx context.Context, rawQuote []byte) (verification.Result, error)
}

// Server serves the verification API.
type Server struct {
	verifier    quoteVerifier
	handler     http.Handler
	readTimeout time.Duration
	log         *logging.Logger
}

// New creates a server verifying quotes with verifier. Metrics are served from gatherer.
func New(verifier quoteVerifier, gatherer prometheus.Gatherer, readTimeout time.Duration, log *logging.Logger) *Server {
	s := &Server{
		verifier:    verifier,
		readTimeout: readTimeout,
		log:         log,
	}

	router := mux.NewRouter()
	router.Handle("/v1/verify", handlers.ContentTypeHandler(http.HandlerFunc(s.handleVerify), contentTypeRaw, contentTypeBase64)).
		Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)

	s.handler = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{log}))(router)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe listens on address and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is canceled. Requests in progress are given time to complete.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(lis)
	}()
	s.log.Info("serving verification API", "address", lis.Addr().String())

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down verification API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// VerifyResponse is the response to a successful verification.
type VerifyResponse struct {
	Status                  status.TCBStatus `json:"status"`
	TCBLevel                types.TCBLevel   `json:"tcbLevel"`
	FMSPC                   string           `json:"fmspc"`
	PPID                    string           `json:"ppid"`
	AdvisoryIDs             []string         `json:"advisoryIDs,omitempty"`
	TCBEvaluationDataNumber uint32           `json:"tcbEvaluationDataNumber"`
}

// ErrorResponse is the response to a failed verification.
type ErrorResponse struct {
	Error string `json:"error"`
	Step  string `json:"step,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	rawQuote, err := readQuote(w, r)
	if err != nil {
		s.log.Debug("rejecting request", "remote", r.RemoteAddr, "err", err)
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	result, err := s.verifier.Verify(r.Context(), rawQuote)
	if err != nil {
		var verr *verification.VerificationError
		if !errors.As(err, &verr) {
			s.log.Error("quote verification failed unexpectedly", "err", err)
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
			return
		}
		s.log.Info("quote verification failed", "remote", r.RemoteAddr, "step", verr.Step, "kind", verification.KindName(verr.Kind))
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: verr.Error(),
			Step:  verr.Step.String(),
			Kind:  verification.KindName(verr.Kind),
		})
		return
	}

	// revoked platforms get their result, flagged as unprocessable
	code := http.StatusOK
	if !result.Status.Acceptable() {
		code = http.StatusUnprocessableEntity
	}

	s.log.Info("quote verified", "remote", r.RemoteAddr, "status", result.Status, "fmspc", hex.EncodeToString(result.Extensions.FMSPC[:]))
	writeJSON(w, code, VerifyResponse{
		Status:                  result.Status,
		TCBLevel:                result.TCBLevel,
		FMSPC:                   hex.EncodeToString(result.Extensions.FMSPC[:]),
		PPID:                    hex.EncodeToString(result.Extensions.PPID[:]),
		AdvisoryIDs:             result.AdvisoryIDs,
		TCBEvaluationDataNumber: result.TCBEvaluationDataNumber,
	})
}

// readQuote reads the quote from the request body. Bodies of type text/plain are base64 encoded.
func readQuote(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	// base64 encoding needs 4 bytes per 3 bytes of quote
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, types.MaxQuoteSize/3*4+4))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("parsing content type: %w", err)
	}
	if mediaType != contentTypeBase64 {
		return body, nil
	}

	quote, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("decoding base64 quote: %w", err)
	}
	return quote, nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type recoveryLogger struct {
	log *logging.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.log.Error("recovered from panic", "panic", fmt.Sprint(v...))
}
