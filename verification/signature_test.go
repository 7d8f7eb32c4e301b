package verification

import (
	"crypto/x509"
	"testing"

	"github.com/edgelesssys/go-sgx-qvl/blobs"
	"github.com/edgelesssys/go-sgx-qvl/verification/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyQuoteSignature(t *testing.T) {
	testCases := map[string]struct {
		offset  int
		wantErr bool
	}{
		"valid quote": {
			offset: -1,
		},
		"header modified": {
			offset:  8, // QESVN
			wantErr: true,
		},
		"enclave report modified": {
			offset:  48 + 64, // MRENCLAVE
			wantErr: true,
		},
		"reserved field of enclave report modified": {
			offset:  48 + 20,
			wantErr: true,
		},
		"signature modified": {
			offset:  blobs.QuoteSignatureOffset + 40,
			wantErr: true,
		},
		"attestation key modified": {
			offset:  blobs.QuotePublicKeyOffset + 63,
			wantErr: true,
		},
		"QE report data modified": {
			offset:  blobs.QuoteQEReportOffset + 320,
			wantErr: true,
		},
		"QE report data padding modified": {
			offset:  blobs.QuoteQEReportOffset + 320 + 40,
			wantErr: true,
		},
		"QE authentication data modified": {
			offset:  blobs.QuoteQEReportSignatureOffset + 64 + 2 + 5,
			wantErr: true,
		},
		// certification data is authenticated by the certificate chain, not the quote signature
		"certification data modified": {
			offset: blobs.QuoteQEReportSignatureOffset + 64 + 2 + 32 + 6 + 100,
		},
	}

	platform := blobs.NewDefaultPlatform()
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			rawQuote := platform.Quote()
			if tc.offset >= 0 {
				rawQuote[tc.offset] ^= 0x01
			}
			quote, err := types.ParseQuote(rawQuote)
			require.NoError(err)

			err = VerifyQuoteSignature(quote)
			if !tc.wantErr {
				assert.NoError(err)
				return
			}
			assert.ErrorIs(err, ErrSignature)
			var verr *VerificationError
			require.ErrorAs(err, &verr)
			assert.Equal(StepVerifySignature, verr.Step)
		})
	}
}

func TestVerifyQuoteSignatureInvalidKey(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	quote, err := types.ParseQuote(blobs.NewDefaultPlatform().Quote())
	require.NoError(err)

	// not a point on P-256
	quote.Signature.PublicKey = [64]byte{0x01}
	err = VerifyQuoteSignature(quote)
	assert.ErrorIs(err, ErrSignature)
}

func TestVerifyQEReportSignature(t *testing.T) {
	platform := blobs.NewDefaultPlatform()
	other := blobs.NewDefaultPlatform()

	testCases := map[string]struct {
		modify  func(*types.SGXQuote3)
		pckCert *x509.Certificate
		wantErr bool
	}{
		"valid": {
			pckCert: platform.PCKCert,
		},
		"PCK certificate of other platform": {
			pckCert: other.PCKCert,
			wantErr: true,
		},
		"QE report modified": {
			modify:  func(q *types.SGXQuote3) { q.Signature.QEReport.ISVSVN++ },
			pckCert: platform.PCKCert,
			wantErr: true,
		},
		"signature modified": {
			modify:  func(q *types.SGXQuote3) { q.Signature.QEReportSignature[63] ^= 0x01 },
			pckCert: platform.PCKCert,
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			quote, err := types.ParseQuote(platform.Quote())
			require.NoError(err)
			if tc.modify != nil {
				tc.modify(&quote)
			}

			err = VerifyQEReportSignature(quote, tc.pckCert)
			if !tc.wantErr {
				assert.NoError(err)
				return
			}
			assert.ErrorIs(err, ErrSignature)
			var verr *VerificationError
			require.ErrorAs(err, &verr)
			assert.Equal(StepExtractQEReport, verr.Step)
		})
	}
}
