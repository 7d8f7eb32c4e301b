/*
Package bundle stores a quote together with the collateral required to verify it.

A bundle is collected while Intel's PCS is reachable, and verified later without network access.
The collateral is stored as returned by the PCS, so the offline verification
checks the same issuer chains, signatures and freshness as an online one.
Bundles are encoded as canonical CBOR.
*/
package bundle

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/edgelesssys/go-sgx-qvl/verification/crypto"
	"github.com/edgelesssys/go-sgx-qvl/verification/pcs"
	"github.com/edgelesssys/go-sgx-qvl/verification/types"
	"github.com/fxamacker/cbor/v2"
	"k8s.io/utils/clock"
)

// Version is the format version of bundles written by this package.
const Version = 1

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

// Bundle is a quote with the PCS collateral for its platform.
type Bundle struct {
	Version    uint8          `cbor:"1,keyasint"`
	Quote      []byte         `cbor:"2,keyasint"`
	TCBInfo    pcs.Collateral `cbor:"3,keyasint"`
	QEIdentity pcs.Collateral `cbor:"4,keyasint"`
}

// Fetcher retrieves unverified collateral.
type Fetcher interface {
	FetchTCBInfo(ctx context.Context, fmspc [6]byte) (pcs.Collateral, error)
	FetchQEIdentity(ctx context.Context) (pcs.Collateral, error)
}

// Collect fetches the collateral for the platform that generated rawQuote.
// The quote is not verified.
func Collect(ctx context.Context, rawQuote []byte, fetcher Fetcher) (*Bundle, error) {
	fmspc, err := quoteFMSPC(rawQuote)
	if err != nil {
		return nil, err
	}

	tcbInfo, err := fetcher.FetchTCBInfo(ctx, fmspc)
	if err != nil {
		return nil, fmt.Errorf("fetching TCB Info: %w", err)
	}
	qeIdentity, err := fetcher.FetchQEIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching QE Identity: %w", err)
	}

	return &Bundle{
		Version:    Version,
		Quote:      rawQuote,
		TCBInfo:    tcbInfo,
		QEIdentity: qeIdentity,
	}, nil
}

// Marshal encodes the bundle as canonical CBOR.
func (b *Bundle) Marshal() ([]byte, error) {
	return encMode.Marshal(b)
}

// Unmarshal decodes a CBOR encoded bundle.
func Unmarshal(data []byte) (*Bundle, error) {
	var b Bundle
	if err := decMode.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding bundle: %w", err)
	}
	if b.Version != Version {
		return nil, fmt.Errorf("unsupported bundle version %d", b.Version)
	}
	if len(b.Quote) == 0 {
		return nil, errors.New("bundle contains no quote")
	}
	return &b, nil
}

// Provider returns a collateral provider serving the bundled documents.
// Documents are verified against root at the time of clock on every request.
func (b *Bundle) Provider(root *x509.Certificate, clock clock.PassiveClock) *Provider {
	return &Provider{
		tcbInfo:    b.TCBInfo,
		qeIdentity: b.QEIdentity,
		root:       root,
		clock:      clock,
	}
}

// Provider serves collateral from a bundle.
type Provider struct {
	tcbInfo    pcs.Collateral
	qeIdentity pcs.Collateral
	root       *x509.Certificate
	clock      clock.PassiveClock
}

// GetTCBInfo returns the bundled TCB Info.
// A bundle holds the TCB Info of a single platform, so fmspc is not used to select it.
// Verifiers reject a TCB Info issued for another FMSPC when matching it to the platform.
func (p *Provider) GetTCBInfo(context.Context, [6]byte) (types.TCBInfo, error) {
	return pcs.OpenTCBInfo(p.tcbInfo, p.root, p.clock.Now())
}

// GetQEIdentity returns the bundled QE Identity.
func (p *Provider) GetQEIdentity(context.Context) (types.QEIdentity, error) {
	return pcs.OpenQEIdentity(p.qeIdentity, p.root, p.clock.Now())
}

// quoteFMSPC returns the FMSPC from the PCK certificate of a quote.
func quoteFMSPC(rawQuote []byte) ([6]byte, error) {
	quote, err := types.ParseQuote(rawQuote)
	if err != nil {
		return [6]byte{}, fmt.Errorf("parsing quote: %w", err)
	}
	certData := quote.Signature.CertificationData
	if certData.Type != types.PCKCertChainType {
		return [6]byte{}, fmt.Errorf("unsupported certification data type %d", certData.Type)
	}
	chain, err := crypto.ParsePEMCertificateChain(certData.Data)
	if err != nil {
		return [6]byte{}, fmt.Errorf("parsing PCK certificate chain: %w", err)
	}
	ext, err := types.ParsePCKCertificateExtension(chain[0])
	if err != nil {
		return [6]byte{}, fmt.Errorf("parsing PCK certificate extension: %w", err)
	}
	return ext.FMSPC, nil
}

func mustEncMode() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}
