package verification

import (
	"errors"
	"fmt"
)

// Error kinds returned by the verifier.
// Every error returned by [Verifier.Verify] matches exactly one of them using [errors.Is].
var (
	// ErrDecode indicates a malformed quote, certificate or extension.
	ErrDecode = errors.New("decoding failed")
	// ErrSignature indicates an invalid signature or key binding in the quote.
	ErrSignature = errors.New("signature verification failed")
	// ErrChain indicates that the PCK certificate chain does not lead to the trusted root.
	ErrChain = errors.New("certificate chain verification failed")
	// ErrMissingField indicates that a mandatory field of the PCK certificate's SGX extension is missing.
	ErrMissingField = errors.New("missing mandatory field")
	// ErrFreshnessMismatch indicates that the TCB Info does not describe the attested platform.
	ErrFreshnessMismatch = errors.New("collateral does not match platform")
	// ErrNoMatch indicates that the platform or Quoting Enclave does not meet any TCB level.
	ErrNoMatch = errors.New("no matching TCB level")
	// ErrIdentity indicates that the Quoting Enclave does not match Intel's QE Identity.
	ErrIdentity = errors.New("QE identity mismatch")
	// ErrCollaborator indicates that collateral could not be retrieved.
	ErrCollaborator = errors.New("retrieving collateral failed")
)

// Step is a step of the quote verification.
type Step uint8

// Steps of the quote verification, in the order they are executed.
const (
	StepDecodeQuote Step = iota
	StepVerifySignature
	StepExtractCertChain
	StepVerifyChain
	StepDecodeExtension
	StepFetchTCBInfo
	StepMatchFMSPC
	StepMatchTCBLevel
	StepExtractQEReport
	StepFetchQEIdentity
	StepVerifyQEIdentity
	StepDone
)

var stepNames = [...]string{
	StepDecodeQuote:      "DecodeQuote",
	StepVerifySignature:  "VerifySignature",
	StepExtractCertChain: "ExtractCertChain",
	StepVerifyChain:      "VerifyChain",
	StepDecodeExtension:  "DecodeExtension",
	StepFetchTCBInfo:     "FetchTCBInfo",
	StepMatchFMSPC:       "MatchFMSPC",
	StepMatchTCBLevel:    "MatchTCBLevel",
	StepExtractQEReport:  "ExtractQEReport",
	StepFetchQEIdentity:  "FetchQEIdentity",
	StepVerifyQEIdentity: "VerifyQEIdentity",
	StepDone:             "Done",
}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("Step(%d)", uint8(s))
}

// VerificationError is returned if a quote fails verification.
// It matches both its Kind and its underlying error using [errors.Is] and [errors.As].
type VerificationError struct {
	Step Step
	Kind error
	Err  error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Step, e.Kind, e.Err)
}

// Unwrap returns the kind and cause of the error.
func (e *VerificationError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// KindName returns the short name of an error kind, as used in metrics and API responses.
func KindName(kind error) string {
	switch kind {
	case ErrDecode:
		return "decode"
	case ErrSignature:
		return "signature"
	case ErrChain:
		return "chain"
	case ErrMissingField:
		return "missing_field"
	case ErrFreshnessMismatch:
		return "freshness_mismatch"
	case ErrNoMatch:
		return "no_match"
	case ErrIdentity:
		return "identity"
	case ErrCollaborator:
		return "collaborator"
	default:
		return "unknown"
	}
}

// IdentityError is returned if a field of the QE report does not match the QE Identity.
type IdentityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("QE %s mismatch: expected %s, got %s", e.Field, e.Expected, e.Actual)
}

// FMSPCMismatchError is returned if the platform described by the TCB Info
// is not the platform the PCK certificate was issued for.
type FMSPCMismatchError struct {
	Field       string
	Certificate []byte
	TCBInfo     []byte
}

func (e *FMSPCMismatchError) Error() string {
	return fmt.Sprintf("%s in PCK certificate (%x) does not match %s in TCB Info (%x)", e.Field, e.Certificate, e.Field, e.TCBInfo)
}

func newError(step Step, kind, err error) *VerificationError {
	return &VerificationError{Step: step, Kind: kind, Err: err}
}
