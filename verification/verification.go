/*
# Intel SGX Quote Verification

This package verifies Intel SGX DCAP quotes (version 3, ECDSA-P256 attestation key)
and grades the attested platform using collateral published by Intel's PCS.

Verification of a quote follows these steps, stopping at the first failure:

  - Decode the quote.

  - Verify the quote signature using the attestation key,
    and verify the attestation key is bound to the Quoting Enclave (QE) report.

  - Extract the PCK certificate chain from the quote,
    and verify it against the trusted Intel SGX Root CA.

  - Decode the SGX extension of the PCK certificate.

  - Retrieve the TCB Info for the platform's FMSPC, and verify it describes the platform.

  - Match the platform's SVNs against the TCB levels of the TCB Info.

  - Verify the QE report is signed by the PCK certificate.

  - Retrieve the QE Identity, and verify the QE report against it.

Collateral is retrieved through a [CollateralProvider],
which is expected to verify the collateral's signatures and freshness.
Package pcs retrieves collateral from Intel's PCS,
package bundle provides collateral for offline verification.
*/
package verification

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/edgelesssys/go-sgx-qvl/internal/logging"
	"github.com/edgelesssys/go-sgx-qvl/verification/crypto"
	"github.com/edgelesssys/go-sgx-qvl/verification/status"
	"github.com/edgelesssys/go-sgx-qvl/verification/tcb"
	"github.com/edgelesssys/go-sgx-qvl/verification/types"
	"k8s.io/utils/clock"
)

// CollateralProvider retrieves verified TCB Info and QE Identity documents.
type CollateralProvider interface {
	GetTCBInfo(ctx context.Context, fmspc [6]byte) (types.TCBInfo, error)
	GetQEIdentity(ctx context.Context) (types.QEIdentity, error)
}

// Result is the outcome of a successful quote verification.
type Result struct {
	// Status is the TCB status of the attested platform.
	Status                  status.TCBStatus    `json:"status"`
	TCBLevel                types.TCBLevel      `json:"tcbLevel"`
	Extensions              types.PCKExtensions `json:"pckExtensions"`
	TCBEvaluationDataNumber uint32              `json:"tcbEvaluationDataNumber"`
	AdvisoryIDs             []string            `json:"advisoryIDs,omitempty"`
	// Quote is the decoded quote.
	Quote types.SGXQuote3 `json:"-"`
}

// Verifier verifies SGX quotes.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	collateral CollateralProvider
	trustRoot  *x509.Certificate
	clock      clock.PassiveClock
	log        *logging.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger of the Verifier.
func WithLogger(log *logging.Logger) Option {
	return func(v *Verifier) {
		v.log = log
	}
}

// WithClock sets the clock used to check certificate validity.
func WithClock(clock clock.PassiveClock) Option {
	return func(v *Verifier) {
		v.clock = clock
	}
}

// WithTrustRoot replaces the Intel SGX Root CA as trust anchor of PCK certificate chains.
func WithTrustRoot(root *x509.Certificate) Option {
	return func(v *Verifier) {
		v.trustRoot = root
	}
}

// New creates a new Verifier retrieving collateral from the given provider.
func New(collateral CollateralProvider, opts ...Option) *Verifier {
	v := &Verifier{
		collateral: collateral,
		trustRoot:  crypto.IntelRootCA(),
		clock:      clock.RealClock{},
		log:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify verifies a raw SGX quote and returns the TCB status of the attested platform.
//
// Any error is of type *VerificationError.
func (v *Verifier) Verify(ctx context.Context, rawQuote []byte) (Result, error) {
	start := time.Now()
	result, err := v.verify(ctx, rawQuote)
	observeVerification(start, result, err)

	if err != nil {
		var verr *VerificationError
		if errors.As(err, &verr) {
			v.log.Debug("quote verification failed", "step", verr.Step, "kind", KindName(verr.Kind), "err", verr.Err)
		}
		return Result{}, err
	}

	v.log.Debug("quote verification succeeded", "status", result.Status, "fmspc", fmt.Sprintf("%x", result.Extensions.FMSPC))
	return result, nil
}

func (v *Verifier) verify(ctx context.Context, rawQuote []byte) (Result, error) {
	log := v.log.With("quote_size", len(rawQuote))

	log.Debug("decoding quote")
	quote, err := types.ParseQuote(rawQuote)
	if err != nil {
		return Result{}, newError(StepDecodeQuote, ErrDecode, err)
	}

	log.Debug("verifying quote signature")
	if err := VerifyQuoteSignature(quote); err != nil {
		return Result{}, err
	}

	log.Debug("extracting PCK certificate chain")
	chain, err := pckCertChain(quote)
	if err != nil {
		return Result{}, newError(StepExtractCertChain, ErrDecode, err)
	}

	log.Debug("verifying PCK certificate chain", "certificates", len(chain))
	pckCert, err := VerifyCertificateChain(chain, v.trustRoot, v.clock.Now())
	if err != nil {
		return Result{}, err
	}

	log.Debug("decoding PCK certificate SGX extension")
	ext, err := types.ParsePCKCertificateExtension(pckCert)
	if err != nil {
		var missingErr *types.MissingFieldError
		if errors.As(err, &missingErr) {
			return Result{}, newError(StepDecodeExtension, ErrMissingField, err)
		}
		return Result{}, newError(StepDecodeExtension, ErrDecode, err)
	}

	log = log.With("fmspc", fmt.Sprintf("%x", ext.FMSPC))
	log.Debug("retrieving TCB Info")
	tcbInfo, err := v.collateral.GetTCBInfo(ctx, ext.FMSPC)
	if err != nil {
		return Result{}, newError(StepFetchTCBInfo, ErrCollaborator, err)
	}

	log.Debug("matching TCB Info to platform")
	if err := matchPlatform(ext, tcbInfo); err != nil {
		return Result{}, newError(StepMatchFMSPC, ErrFreshnessMismatch, err)
	}

	log.Debug("matching TCB level", "levels", len(tcbInfo.TCBLevels))
	level, err := tcb.MatchPlatform(tcbInfo.TCBLevels, ext.TCB.CompSVN, ext.TCB.PCESVN)
	if err != nil {
		return Result{}, newError(StepMatchTCBLevel, ErrNoMatch, err)
	}

	log.Debug("verifying QE report signature")
	if err := VerifyQEReportSignature(quote, pckCert); err != nil {
		return Result{}, err
	}

	log.Debug("retrieving QE Identity")
	qeIdentity, err := v.collateral.GetQEIdentity(ctx)
	if err != nil {
		return Result{}, newError(StepFetchQEIdentity, ErrCollaborator, err)
	}

	log.Debug("verifying QE Identity")
	if err := VerifyQEIdentity(qeIdentity, quote.Signature.QEReport); err != nil {
		return Result{}, err
	}

	return Result{
		Status:                  level.TCBStatus,
		TCBLevel:                level,
		Extensions:              ext,
		TCBEvaluationDataNumber: tcbInfo.TCBEvaluationDataNumber,
		AdvisoryIDs:             level.AdvisoryIDs,
		Quote:                   quote,
	}, nil
}

// matchPlatform verifies that the TCB Info was issued for the platform of the PCK certificate.
// PCEIDs are only compared if both are present.
func matchPlatform(ext types.PCKExtensions, tcbInfo types.TCBInfo) error {
	if ext.FMSPC != tcbInfo.FMSPC {
		return &FMSPCMismatchError{Field: "FMSPC", Certificate: ext.FMSPC[:], TCBInfo: tcbInfo.FMSPC[:]}
	}
	if ext.PCEID != nil && tcbInfo.PCEID != nil && !bytes.Equal(ext.PCEID, tcbInfo.PCEID) {
		return &FMSPCMismatchError{Field: "PCEID", Certificate: ext.PCEID, TCBInfo: tcbInfo.PCEID}
	}
	return nil
}
