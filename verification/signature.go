package verification

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/edgelesssys/go-sgx-qvl/verification/crypto"
	"github.com/edgelesssys/go-sgx-qvl/verification/types"
)

// VerifyQuoteSignature verifies the signature of the quote over its header and enclave report,
// and that the attestation key is bound to the Quoting Enclave (QE) report.
//
// The QE report itself is not verified here, see [VerifyQEReportSignature].
func VerifyQuoteSignature(quote types.SGXQuote3) error {
	attestationKey := quote.Signature.PublicKey
	key, err := crypto.BuildECDSAPublicKey(attestationKey)
	if err != nil {
		return newError(StepVerifySignature, ErrSignature, fmt.Errorf("building attestation key: %w", err))
	}

	if err := crypto.VerifyECDSASignature(key, quote.SignedData(), quote.Signature.Signature[:]); err != nil {
		return newError(StepVerifySignature, ErrSignature, fmt.Errorf("verifying quote signature: %w", err))
	}

	// The QE binds the attestation key to its report: ReportData = SHA256(attestKey || QEAuthData) || 32*0x00
	keyHash := sha256.Sum256(append(attestationKey[:], quote.Signature.QEAuthData.Data...))
	reportData := quote.Signature.QEReport.ReportData
	if !bytes.Equal(reportData[:32], keyHash[:]) {
		return newError(StepVerifySignature, ErrSignature, errors.New("QE report data does not match hash of attestation key and QE authentication data"))
	}
	if !bytes.Equal(reportData[32:], make([]byte, 32)) {
		return newError(StepVerifySignature, ErrSignature, errors.New("QE report data is not zero padded"))
	}

	return nil
}

// VerifyQEReportSignature verifies that the QE report of the quote is signed by the PCK certificate's key.
func VerifyQEReportSignature(quote types.SGXQuote3, pckCert *x509.Certificate) error {
	qeReport := quote.Signature.QEReport.Marshal()
	if err := crypto.VerifyECDSASignature(pckCert.PublicKey, qeReport[:], quote.Signature.QEReportSignature[:]); err != nil {
		return newError(StepExtractQEReport, ErrSignature, fmt.Errorf("verifying QE report signature: %w", err))
	}
	return nil
}
