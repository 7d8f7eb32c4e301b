/*
Package blobs generates synthetic SGX platforms for tests.

A [Platform] owns a complete certificate hierarchy mirroring Intel's:

	Root CA ──► PCK CA ──► PCK Cert (with SGX extension)
	   │
	   └──────► TCB Signing Cert

It produces quotes signed by its attestation key, QE reports signed by its PCK key,
and TCB Info / QE Identity documents signed by its TCB signing key.
All functions panic on failure, they are meant to be used from tests only.
*/
package blobs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/url"
	"time"
)

var (
	// FMSPC is the FMSPC of the default platform.
	FMSPC = [6]byte{0x00, 0x90, 0x6E, 0xA1, 0x00, 0x00}

	// QEMRSIGNER is the MRSIGNER of Intel's Quoting Enclave.
	QEMRSIGNER = [32]byte{
		0x8c, 0x4f, 0x57, 0x75, 0xd7, 0x96, 0x50, 0x3e, 0x96, 0x13, 0x7f, 0x77, 0xc6, 0x8a, 0x82, 0x9a,
		0x00, 0x56, 0xac, 0x8d, 0xed, 0x70, 0x14, 0x0b, 0x08, 0x1b, 0x09, 0x44, 0x90, 0xc5, 0x7b, 0xff,
	}

	// QEISVProdID is the product ID of Intel's Quoting Enclave.
	QEISVProdID uint16 = 1

	// ReportData is the report data of the attested enclave in generated quotes.
	ReportData = [64]byte{'H', 'e', 'l', 'l', 'o', ' ', 'f', 'r', 'o', 'm', ' ', 'E', 'd', 'g', 'e', 'l', 'e', 's', 's', ' ', 'S', 'y', 's', 't', 'e', 'm', 's', '!'}
)

// Platform is a synthetic SGX platform with its own certificate hierarchy.
type Platform struct {
	// Now is the time the platform was created. Certificates and collateral are valid around it.
	Now time.Time

	RootCert       *x509.Certificate
	PCKCACert      *x509.Certificate
	PCKCert        *x509.Certificate
	TCBSigningCert *x509.Certificate
	Extension      SGXExtension

	// QESVN, QEISVSVN and QEAuthData are read when a quote is generated.
	QESVN      uint16
	QEISVSVN   uint16
	QEAuthData []byte

	rootKey        *ecdsa.PrivateKey
	pckCAKey       *ecdsa.PrivateKey
	pckKey         *ecdsa.PrivateKey
	tcbSigningKey  *ecdsa.PrivateKey
	attestationKey *ecdsa.PrivateKey
}

// NewPlatform creates a platform whose PCK certificate carries the given SGX extension.
func NewPlatform(ext SGXExtension) *Platform {
	now := time.Now().UTC().Truncate(time.Second)

	authData := make([]byte, 32)
	for i := range authData {
		authData[i] = byte(i)
	}

	p := &Platform{
		Now:            now,
		Extension:      ext,
		QESVN:          8,
		QEISVSVN:       8,
		QEAuthData:     authData,
		rootKey:        mustGenerateKey(),
		pckCAKey:       mustGenerateKey(),
		pckKey:         mustGenerateKey(),
		tcbSigningKey:  mustGenerateKey(),
		attestationKey: mustGenerateKey(),
	}

	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test SGX Root CA", Organization: []string{"Edgeless Systems"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(30, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	p.RootCert = mustCreateCert(rootTemplate, rootTemplate, &p.rootKey.PublicKey, p.rootKey)

	p.PCKCACert = mustCreateCert(&x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test SGX PCK Platform CA", Organization: []string{"Edgeless Systems"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(20, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}, p.RootCert, &p.pckCAKey.PublicKey, p.rootKey)

	p.PCKCert = mustCreateCert(&x509.Certificate{
		SerialNumber:    big.NewInt(3),
		Subject:         pkix.Name{CommonName: "Test SGX PCK Certificate", Organization: []string{"Edgeless Systems"}},
		NotBefore:       now.Add(-time.Hour),
		NotAfter:        now.AddDate(7, 0, 0),
		KeyUsage:        x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtraExtensions: []pkix.Extension{{Id: sgxExtensionOID, Value: ext.MustMarshal()}},
	}, p.PCKCACert, &p.pckKey.PublicKey, p.pckCAKey)

	p.TCBSigningCert = mustCreateCert(&x509.Certificate{
		SerialNumber: big.NewInt(4),
		Subject:      pkix.Name{CommonName: "Test SGX TCB Signing", Organization: []string{"Edgeless Systems"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(7, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}, p.RootCert, &p.tcbSigningKey.PublicKey, p.rootKey)

	return p
}

// NewDefaultPlatform creates a platform using DefaultExtension.
func NewDefaultPlatform() *Platform {
	return NewPlatform(DefaultExtension())
}

// PCKChainPEM returns the PEM encoded PCK certificate chain as embedded in a quote: PCK Cert, PCK CA, Root CA and a trailing \0 byte.
func (p *Platform) PCKChainPEM() []byte {
	return append(CertificatesPEM(p.PCKCert, p.PCKCACert, p.RootCert), 0x00)
}

// IssuerChainHeader returns the URL escaped TCB signing chain as sent by the PCS in its issuer chain headers.
func (p *Platform) IssuerChainHeader() string {
	return url.QueryEscape(string(CertificatesPEM(p.TCBSigningCert, p.RootCert)))
}

// CertificatesPEM PEM encodes certificates.
func CertificatesPEM(certs ...*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range certs {
		if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
			panic(err)
		}
	}
	return buf.Bytes()
}

// signRaw signs the SHA256 digest of data and returns the signature as r || s.
func signRaw(key *ecdsa.PrivateKey, data []byte) [64]byte {
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		panic(err)
	}
	var sig [64]byte
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig
}

// rawPublicKey returns the public key of key as X || Y.
func rawPublicKey(key *ecdsa.PrivateKey) [64]byte {
	var raw [64]byte
	key.X.FillBytes(raw[:32])
	key.Y.FillBytes(raw[32:])
	return raw
}

func mustGenerateKey() *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	return key
}

func mustCreateCert(template, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) *x509.Certificate {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		panic(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return cert
}
