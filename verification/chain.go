package verification

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/edgelesssys/go-sgx-qvl/verification/crypto"
	"github.com/edgelesssys/go-sgx-qvl/verification/types"
)

// VerifyCertificateChain verifies that the leaf of chain (the first certificate)
// is issued by root, using the remaining certificates as intermediates.
// Validity periods are checked against now.
// If the chain ends in a self-signed certificate, it must be root.
// It returns the verified leaf certificate.
func VerifyCertificateChain(chain []*x509.Certificate, root *x509.Certificate, now time.Time) (*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, newError(StepVerifyChain, ErrChain, errors.New("empty certificate chain"))
	}
	if root == nil {
		return nil, newError(StepVerifyChain, ErrChain, errors.New("no trusted root certificate"))
	}

	leaf := chain[0]
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		if isSelfSigned(cert) {
			if !cert.Equal(root) {
				return nil, newError(StepVerifyChain, ErrChain, errors.New("certificate chain ends in an untrusted root certificate"))
			}
			continue
		}
		intermediates.AddCert(cert)
	}

	roots := x509.NewCertPool()
	roots.AddCert(root)
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, newError(StepVerifyChain, ErrChain, fmt.Errorf("verifying certificate chain: %w", err))
	}

	return leaf, nil
}

// pckCertChain returns the PCK certificate chain embedded in the quote, leaf first.
func pckCertChain(quote types.SGXQuote3) ([]*x509.Certificate, error) {
	certData := quote.Signature.CertificationData
	if certData.Type != types.PCKCertChainType {
		return nil, fmt.Errorf("unsupported certification data type %d, expected PCK certificate chain (%d)", certData.Type, types.PCKCertChainType)
	}

	chain, err := crypto.ParsePEMCertificateChain(certData.Data)
	if err != nil {
		return nil, fmt.Errorf("parsing PCK certificate chain: %w", err)
	}
	return chain, nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.CheckSignatureFrom(cert) == nil
}
