/*
Package pcs provides functions to retrieve collateral for SGX quote verification from Intel's PCS.

The following information is retrieved from the PCS:
  - TCB Info
  - QE Identity

The retrieved data is verified using the Intel SGX certificate hierarchy:

	              ┌───────────────┐
	              │ Intel Root CA │
	              └───────┬───────┘
	                      │
	                    Signs
	                      │
	        ┌─────────────┴─────────────┐
	        │                           │
	        ▼                           ▼
	┌───────────────┐         ┌──────────────────┐
	│  PCK CA Cert  │         │ TCB Signing Cert │
	└───────┬───────┘         └────────┬─────────┘
	        │                          │
	      Signs                      Signs
	        │                          │
	        ▼                          ▼
	  ┌──────────┐          ┌──────────────────────┐
	  │ PCK Cert │          │ TCB Info/QE Identity │
	  └──────────┘          └──────────────────────┘

The TCB Signing certificate is returned together with the Intel Root CA in a header of the PCS response.
The chain is verified against the trusted root, and the TCB Signing certificate is then used to verify
the signature over the JSON body of the document. Finally, the document must be fresh:
its issue date must be in the past, and its next update in the future.
*/
package pcs

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgelesssys/go-sgx-qvl/internal/logging"
	"github.com/edgelesssys/go-sgx-qvl/verification/crypto"
	"github.com/edgelesssys/go-sgx-qvl/verification/types"
	"k8s.io/utils/clock"
)

const (
	// DefaultBaseURL is the URL of Intel's PCS.
	DefaultBaseURL = "https://api.trustedservices.intel.com"
	// UpdateEarly requests collateral including the latest TCB recovery.
	UpdateEarly = "early"
	// UpdateStandard requests collateral with the standard TCB recovery timeline.
	UpdateStandard = "standard"

	// sgxAPI is the API to use when retrieving SGX information from Intel's PCS.
	sgxAPI = "sgx"
	// requestType is the type of request to make to Intel's PCS.
	requestType = "certification"
	// apiVersion is the version of the PCS API to use.
	apiVersion = "v4"
	// updateQuery selects the TCB recovery timeline of the returned collateral.
	updateQuery = "update"
	// qePath is the path to the QE Identity information.
	qePath = "qe/identity"
	// qeHeader is a header containing the QE Identity issuer chain.
	qeHeader = "Sgx-Enclave-Identity-Issuer-Chain"
	// tcbPath is the path to the TCB Info.
	tcbPath = "tcb"
	// tcbQuery is the query to use when retrieving the TCB Info.
	tcbQuery = "fmspc"
	// tcbHeader is a header containing the TCB Info issuer chain.
	tcbHeader = "Tcb-Info-Issuer-Chain"
	// apiKeyHeader carries the optional PCS subscription key.
	apiKeyHeader = "Ocp-Apim-Subscription-Key"
	// maxResponseSize limits the size of PCS responses. Collateral documents are a few KiB.
	maxResponseSize = 4 << 20
)

// Config configures a TrustedServicesClient.
type Config struct {
	// BaseURL is the URL of the PCS, without API path.
	BaseURL string
	// APIKey is sent as subscription key, if set.
	APIKey string
	// Update is either UpdateEarly or UpdateStandard.
	Update string
	// Timeout limits a single request to the PCS.
	Timeout time.Duration
	// MaxRetries is the number of retries of requests failing with 429 or a 5xx status.
	MaxRetries uint64
	// RetryInterval is the initial interval between retries. It grows exponentially.
	RetryInterval time.Duration
}

// DefaultConfig returns the configuration for Intel's PCS.
func DefaultConfig() Config {
	return Config{
		BaseURL:       DefaultBaseURL,
		Update:        UpdateEarly,
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryInterval: 500 * time.Millisecond,
	}
}

// Collateral is a signed PCS document as returned by the PCS.
type Collateral struct {
	// Body is the raw JSON response body.
	Body []byte
	// IssuerChain is the URL escaped PEM certificate chain from the response header.
	IssuerChain string
}

type pcsAPI interface {
	getFromPCS(ctx context.Context, uri *url.URL, certHeader string) (body []byte, issuerChain string, err error)
}

// TrustedServicesClient is a client for Intel's PCS.
type TrustedServicesClient struct {
	api     pcsAPI
	baseURL *url.URL
	update  string
	rootCA  *x509.Certificate
	clock   clock.PassiveClock
	log     *logging.Logger
}

// Option configures a TrustedServicesClient.
type Option func(*TrustedServicesClient)

// WithRootCA replaces the Intel SGX Root CA as trust anchor of the issuer chains.
func WithRootCA(root *x509.Certificate) Option {
	return func(t *TrustedServicesClient) {
		t.rootCA = root
	}
}

// WithClock sets the clock used to check certificate validity and collateral freshness.
func WithClock(clock clock.PassiveClock) Option {
	return func(t *TrustedServicesClient) {
		t.clock = clock
	}
}

// WithLogger sets the logger of the client.
func WithLogger(log *logging.Logger) Option {
	return func(t *TrustedServicesClient) {
		t.log = log
	}
}

// New returns a new TrustedServicesClient.
func New(cfg Config, opts ...Option) (*TrustedServicesClient, error) {
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing PCS base URL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("PCS base URL %q is not absolute", cfg.BaseURL)
	}

	t := &TrustedServicesClient{
		baseURL: baseURL,
		update:  cfg.Update,
		rootCA:  crypto.IntelRootCA(),
		clock:   clock.RealClock{},
		log:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.api = &pcsAPIClient{
		client:        &http.Client{Timeout: cfg.Timeout},
		apiKey:        cfg.APIKey,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		log:           t.log,
	}

	return t, nil
}

// GetTCBInfo retrieves the TCB Info from Intel's PCS for a given Family-Model-Stepping-Platform-CustomSKU (FMSPC).
// The TCB Info is verified before it is returned.
func (t *TrustedServicesClient) GetTCBInfo(ctx context.Context, fmspc [6]byte) (types.TCBInfo, error) {
	collateral, err := t.FetchTCBInfo(ctx, fmspc)
	if err != nil {
		return types.TCBInfo{}, err
	}
	return OpenTCBInfo(collateral, t.rootCA, t.clock.Now())
}

// GetQEIdentity retrieves the QE Identity from Intel's PCS.
// The QE Identity is verified before it is returned.
func (t *TrustedServicesClient) GetQEIdentity(ctx context.Context) (types.QEIdentity, error) {
	collateral, err := t.FetchQEIdentity(ctx)
	if err != nil {
		return types.QEIdentity{}, err
	}
	return OpenQEIdentity(collateral, t.rootCA, t.clock.Now())
}

// FetchTCBInfo retrieves the raw, unverified TCB Info for a given FMSPC.
func (t *TrustedServicesClient) FetchTCBInfo(ctx context.Context, fmspc [6]byte) (Collateral, error) {
	uri := t.pcsURL(tcbPath)
	query := uri.Query()
	query.Set(tcbQuery, fmt.Sprintf("%X", fmspc))
	uri.RawQuery = query.Encode()

	t.log.Debug("retrieving TCB Info from PCS", "fmspc", fmt.Sprintf("%x", fmspc))
	body, issuerChain, err := t.api.getFromPCS(ctx, uri, tcbHeader)
	if err != nil {
		return Collateral{}, fmt.Errorf("getting TCB Info from PCS: %w", err)
	}
	return Collateral{Body: body, IssuerChain: issuerChain}, nil
}

// FetchQEIdentity retrieves the raw, unverified QE Identity.
func (t *TrustedServicesClient) FetchQEIdentity(ctx context.Context) (Collateral, error) {
	uri := t.pcsURL(qePath)
	t.log.Debug("retrieving QE Identity from PCS")
	body, issuerChain, err := t.api.getFromPCS(ctx, uri, qeHeader)
	if err != nil {
		return Collateral{}, fmt.Errorf("getting QE Identity from PCS: %w", err)
	}
	return Collateral{Body: body, IssuerChain: issuerChain}, nil
}

// pcsURL returns a URL to connect to the PCS for the given path.
func (t *TrustedServicesClient) pcsURL(requestPath string) *url.URL {
	uri := *t.baseURL
	uri.Path = path.Join("/", uri.Path, sgxAPI, requestType, apiVersion, requestPath)
	if t.update != "" {
		query := uri.Query()
		query.Set(updateQuery, t.update)
		uri.RawQuery = query.Encode()
	}
	return &uri
}

// OpenTCBInfo verifies a TCB Info document against root, and decodes it.
func OpenTCBInfo(collateral Collateral, root *x509.Certificate, now time.Time) (types.TCBInfo, error) {
	// unmarshal to intermediate struct to verify signature
	var pcsResponse struct {
		TCBInfo   pcsJSONBody `json:"tcbInfo"`
		Signature string      `json:"signature"`
	}
	if err := openDocument(collateral, root, now, &pcsResponse, func() ([]byte, string) {
		return pcsResponse.TCBInfo, pcsResponse.Signature
	}); err != nil {
		return types.TCBInfo{}, fmt.Errorf("verifying TCB Info: %w", err)
	}

	var tcbInfo types.TCBInfo
	if err := json.Unmarshal(pcsResponse.TCBInfo, &tcbInfo); err != nil {
		return types.TCBInfo{}, fmt.Errorf("unmarshaling TCB Info: %w", err)
	}

	if err := checkFreshness(tcbInfo.IssueDate, tcbInfo.NextUpdate, now); err != nil {
		return types.TCBInfo{}, fmt.Errorf("TCB Info: %w", err)
	}
	switch tcbInfo.Version {
	case 2:
	case 3:
		if tcbInfo.ID != types.TCBInfoSGXID {
			return types.TCBInfo{}, fmt.Errorf("TCB Info was generated for a different TEE: expected %s, got %s", types.TCBInfoSGXID, tcbInfo.ID)
		}
	default:
		return types.TCBInfo{}, fmt.Errorf("unsupported TCB Info version %d", tcbInfo.Version)
	}

	return tcbInfo, nil
}

// OpenQEIdentity verifies a QE Identity document against root, and decodes it.
func OpenQEIdentity(collateral Collateral, root *x509.Certificate, now time.Time) (types.QEIdentity, error) {
	// unmarshal to intermediate struct to verify signature
	var pcsResponse struct {
		QEIdentity pcsJSONBody `json:"enclaveIdentity"`
		Signature  string      `json:"signature"`
	}
	if err := openDocument(collateral, root, now, &pcsResponse, func() ([]byte, string) {
		return pcsResponse.QEIdentity, pcsResponse.Signature
	}); err != nil {
		return types.QEIdentity{}, fmt.Errorf("verifying QE Identity: %w", err)
	}

	var qeIdentity types.QEIdentity
	if err := json.Unmarshal(pcsResponse.QEIdentity, &qeIdentity); err != nil {
		return types.QEIdentity{}, fmt.Errorf("unmarshaling QE Identity: %w", err)
	}

	if err := checkFreshness(qeIdentity.IssueDate, qeIdentity.NextUpdate, now); err != nil {
		return types.QEIdentity{}, fmt.Errorf("QE Identity: %w", err)
	}
	if qeIdentity.Version != types.QEIdentityVersion {
		return types.QEIdentity{}, fmt.Errorf("unsupported QE Identity version %d", qeIdentity.Version)
	}
	if qeIdentity.ID != types.QEIdentityID {
		return types.QEIdentity{}, fmt.Errorf("enclave identity is not for the SGX QE: expected %s, got %s", types.QEIdentityID, qeIdentity.ID)
	}

	return qeIdentity, nil
}

// openDocument unmarshals the PCS response into envelope, and verifies the signature
// returned by fields using the TCB Signing certificate of the issuer chain.
func openDocument(collateral Collateral, root *x509.Certificate, now time.Time, envelope any, fields func() (body []byte, signature string)) error {
	signingCert, err := verifyIssuerChain(collateral.IssuerChain, root, now)
	if err != nil {
		return fmt.Errorf("verifying issuer chain: %w", err)
	}

	if err := json.Unmarshal(collateral.Body, envelope); err != nil {
		return fmt.Errorf("unmarshaling PCS response: %w", err)
	}
	body, rawSignature := fields()
	if len(body) == 0 {
		return errors.New("PCS response has no body")
	}

	signature, err := hex.DecodeString(rawSignature)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	if err := crypto.VerifyECDSASignature(signingCert.PublicKey, body, signature); err != nil {
		return fmt.Errorf("verifying signature: %w", err)
	}

	return nil
}

// checkFreshness verifies that now lies between the issue date and the next update of a document.
func checkFreshness(issueDate, nextUpdate, now time.Time) error {
	if now.Before(issueDate) {
		return fmt.Errorf("not yet valid: issued at %s", issueDate.Format(time.RFC3339))
	}
	if now.After(nextUpdate) {
		return fmt.Errorf("expired: next update was due at %s", nextUpdate.Format(time.RFC3339))
	}
	return nil
}

// verifyIssuerChain checks the certificates of an issuer chain header.
// We expect the chain to be of length 2, where one of the certificates is the root CA certificate.
// We verify the root certificate in the chain matches the expected root CA certificate,
// and that the signing certificate of the chain is signed by this CA.
func verifyIssuerChain(header string, root *x509.Certificate, now time.Time) (*x509.Certificate, error) {
	chain, err := issuerChainFromCertHeader(header)
	if err != nil {
		return nil, err
	}
	if len(chain) != 2 {
		return nil, fmt.Errorf("unexpected number of certificates in chain: expected 2, got: %d", len(chain))
	}

	// get the signing certificate from the chain
	signingCert := chain[0]
	if chain[0].Equal(root) {
		signingCert = chain[1]
	} else if !chain[1].Equal(root) {
		return nil, errors.New("certificate chain does not contain expected root CA certificate")
	}

	roots := x509.NewCertPool()
	roots.AddCert(root)
	opts := x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := signingCert.Verify(opts); err != nil {
		return nil, fmt.Errorf("checking certificate signature: %w", err)
	}

	return signingCert, nil
}

// issuerChainFromCertHeader parses a certificate chain from a PCS response header.
// Intel's PCS returns the signing chain in the response header as a URL escaped PEM encoded string.
func issuerChainFromCertHeader(header string) ([]*x509.Certificate, error) {
	certChain, err := url.QueryUnescape(header)
	if err != nil {
		return nil, fmt.Errorf("decoding certificate chain from PCS response header: %w", err)
	}

	return crypto.ParsePEMCertificateChain([]byte(certChain))
}

type pcsAPIClient struct {
	client        *http.Client
	apiKey        string
	maxRetries    uint64
	retryInterval time.Duration
	log           *logging.Logger
}

// getFromPCS sends a request to Intel's PCS and returns the data,
// and the signing certificate chain in the response header.
// Requests failing with 429 or a 5xx status are retried with exponential backoff.
func (c *pcsAPIClient) getFromPCS(ctx context.Context, uri *url.URL, certHeader string,
) (body []byte, issuerChain string, err error) {
	attempt := 0
	get := func() error {
		attempt++
		body, issuerChain, err = c.doRequest(ctx, uri, certHeader)
		if err != nil {
			c.log.Warn("PCS request failed", "url", uri.Redacted(), "attempt", attempt, "err", err)
		}
		return err
	}

	expBackoff := backoff.NewExponentialBackOff()
	if c.retryInterval > 0 {
		expBackoff.InitialInterval = c.retryInterval
	}
	retry := backoff.WithContext(backoff.WithMaxRetries(expBackoff, c.maxRetries), ctx)
	if err := backoff.Retry(get, retry); err != nil {
		return nil, "", err
	}

	return body, issuerChain, nil
}

func (c *pcsAPIClient) doRequest(ctx context.Context, uri *url.URL, certHeader string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), http.NoBody)
	if err != nil {
		return nil, "", backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", backoff.Permanent(fmt.Errorf("sending request: %w", err))
		}
		return nil, "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// continue
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, "", fmt.Errorf("request failed with status %s", resp.Status)
	default:
		return nil, "", backoff.Permanent(fmt.Errorf("request failed with status %s", resp.Status))
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading response: %w", err)
	}
	if len(respBody) > maxResponseSize {
		return nil, "", backoff.Permanent(fmt.Errorf("response exceeds %d bytes", maxResponseSize))
	}

	issuerChain := resp.Header.Get(certHeader)
	if issuerChain == "" {
		return nil, "", backoff.Permanent(fmt.Errorf("response is missing the %s header", certHeader))
	}

	return respBody, issuerChain, nil
}

// pcsJSONBody is used to unmarshal the response body of a PCS JSON into a byte slice.
// This is necessary because we need to verify the signature of the response body.
type pcsJSONBody []byte

func (b *pcsJSONBody) UnmarshalJSON(data []byte) error {
	*b = append((*b)[:0], data...)
	return nil
}
