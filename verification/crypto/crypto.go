// Package crypto implements common crypto operations used to verify SGX quotes.
package crypto

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

// BuildECDSAPublicKey builds a P-256 ECDSA public key from its raw X || Y encoding.
// Points that are not on the curve are rejected.
func BuildECDSAPublicKey(rawPublicKey [64]byte) (*ecdsa.PublicKey, error) {
	// ecdh performs the on-curve check that ecdsa.Verify leaves out
	uncompressed := append([]byte{0x04}, rawPublicKey[:]...)
	if _, err := ecdh.P256().NewPublicKey(uncompressed); err != nil {
		return nil, fmt.Errorf("invalid P-256 public key: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(rawPublicKey[:32]),
		Y:     new(big.Int).SetBytes(rawPublicKey[32:]),
	}, nil
}

// VerifyECDSASignature verifies that signature (r || s) is a valid
// signature of SHA256(data) made with the private key of publicKey.
func VerifyECDSASignature(publicKey crypto.PublicKey, data, signature []byte) error {
	signingKey, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("signing cert public key is not an ECDSA key")
	}
	if len(signature) != 64 {
		return fmt.Errorf("invalid ECDSA signature: expected 64 bytes but got %d bytes", len(signature))
	}
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:64])

	toVerify := sha256.Sum256(data)
	if !ecdsa.Verify(signingKey, toVerify[:], r, s) {
		return errors.New("failed to verify signature using ECDSA public key")
	}
	return nil
}

// ParsePEMCertificateChain parses a certificate chain from a PEM-encoded byte slice.
// Data following the last PEM block, such as a terminating NUL byte, is ignored.
func ParsePEMCertificateChain(certChainPEM []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for block, rest := pem.Decode(certChainPEM); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate from PEM: %w", err)
		}

		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("no PEM encoded certificates found")
	}
	return chain, nil
}

// MustParsePEMCertificate parses a single certificate from a PEM-encoded byte slice.
// If multiple certificates are present, only the first one is returned.
// It panics if the certificate is invalid or the PEM data contains no certificates.
func MustParsePEMCertificate(certPEM []byte) *x509.Certificate {
	certs, err := ParsePEMCertificateChain(certPEM)
	if err != nil {
		panic(err)
	}
	return certs[0]
}
