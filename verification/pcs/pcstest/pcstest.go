// Package pcstest provides an in-memory PCS serving collateral of a synthetic platform.
package pcstest

import (
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"github.com/edgelesssys/go-sgx-qvl/blobs"
	"github.com/gorilla/mux"
)

// Server serves TCB Info and QE Identity documents the way Intel's PCS does.
type Server struct {
	mux *mux.Router

	mu          sync.Mutex
	tcbInfo     map[string][]byte
	qeIdentity  []byte
	issuerChain string
	failures    int
	failStatus  int
	requests    int
	apiKeys     []string
}

// New returns a Server serving the default collateral of platform.
func New(platform *blobs.Platform) *Server {
	s := &Server{
		tcbInfo:     map[string][]byte{},
		qeIdentity:  platform.QEIdentityJSON(blobs.DefaultQEIdentity()),
		issuerChain: platform.IssuerChainHeader(),
	}
	s.SetTCBInfo(blobs.FMSPC, platform.TCBInfoJSON(blobs.FMSPC, blobs.DefaultTCBLevels(platform.Extension)))

	s.mux = mux.NewRouter()
	api := s.mux.PathPrefix("/sgx/certification/v4").Subrouter()
	api.HandleFunc("/tcb", s.handleTCBInfo).Methods(http.MethodGet).Queries("fmspc", "{fmspc}")
	api.HandleFunc("/qe/identity", s.handleQEIdentity).Methods(http.MethodGet)
	api.Use(s.countRequests)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// SetTCBInfo sets the TCB Info document served for fmspc.
func (s *Server) SetTCBInfo(fmspc [6]byte, doc []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tcbInfo[hex.EncodeToString(fmspc[:])] = doc
}

// SetQEIdentity sets the QE Identity document.
func (s *Server) SetQEIdentity(doc []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qeIdentity = doc
}

// SetIssuerChain sets the issuer chain header sent with every document.
func (s *Server) SetIssuerChain(header string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuerChain = header
}

// FailNext makes the next n requests fail with the given HTTP status.
func (s *Server) FailNext(n int, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failStatus = status
}

// Requests returns the number of requests received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// APIKeys returns the subscription keys sent with each request.
func (s *Server) APIKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.apiKeys...)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		s.apiKeys = append(s.apiKeys, r.Header.Get("Ocp-Apim-Subscription-Key"))
		fail := s.failures > 0
		if fail {
			s.failures--
		}
		status := s.failStatus
		s.mu.Unlock()

		if fail {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleTCBInfo(w http.ResponseWriter, r *http.Request) {
	fmspc := strings.ToLower(mux.Vars(r)["fmspc"])

	s.mu.Lock()
	doc, ok := s.tcbInfo[fmspc]
	issuerChain := s.issuerChain
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Tcb-Info-Issuer-Chain", issuerChain)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

func (s *Server) handleQEIdentity(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	doc := s.qeIdentity
	issuerChain := s.issuerChain
	s.mu.Unlock()

	w.Header().Set("Sgx-Enclave-Identity-Issuer-Chain", issuerChain)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}
