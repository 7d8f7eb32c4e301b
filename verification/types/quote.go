package types

import (
	"encoding/binary"
	"fmt"
)

/*
   SGX Quote v3 (ECDSA) parser
   Based on:
   https://github.com/intel/SGXDataCenterAttestationPrimitives/blob/master/QuoteGeneration/quote_wrapper/common/inc/sgx_quote_3.h
   https://github.com/intel/linux-sgx/blob/master/common/inc/sgx_report.h
*/

const (
	// QuoteVersion is the only quote version supported by the parser.
	QuoteVersion = 3

	// AttestationKeyTypeECDSAP256 is the attestation key type of an ECDSA-256-with-P-256 quote.
	AttestationKeyTypeECDSAP256 = 2

	// PCKCertChainType is the CertificationData type holding the PCK cert chain (encoded in PEM, \0 byte terminated).
	PCKCertChainType = 5

	// MaxQuoteSize caps the size of quotes accepted by ParseQuote.
	MaxQuoteSize = 1 << 20

	quoteHeaderLen   = 48
	enclaveReportLen = 384
	// signatureOffset is where the ECDSA256QuoteV3AuthData starts, after header, report and the length field.
	signatureOffset = quoteHeaderLen + enclaveReportLen + 4
	// minSignatureLen is the size of a signature block with empty QE auth data and certification data.
	minSignatureLen = 64 + 64 + enclaveReportLen + 64 + 2 + 2 + 4
)

// IntelQEVendorID is the vendor ID of Intel's Quoting Enclave.
var IntelQEVendorID = [16]byte{0x93, 0x9A, 0x72, 0x33, 0xF7, 0x9C, 0x4C, 0xA9, 0x94, 0x0A, 0x0D, 0xB3, 0x95, 0x7F, 0x06, 0x07}

// SGXQuote3Header is the header of an SGX quote (version 3).
type SGXQuote3Header struct {
	Version            uint16
	AttestationKeyType uint16
	Reserved           uint32
	QESVN              uint16
	PCESVN             uint16
	QEVendorID         [16]byte
	UserData           [20]byte
}

// SGXQuote3 is an SGX quote using an ECDSA-P256 attestation key.
type SGXQuote3 struct {
	Header          SGXQuote3Header
	Body            EnclaveReport
	SignatureLength uint32
	Signature       ECDSA256QuoteV3AuthData
}

// Attributes holds the attributes of an enclave: 8 bytes of flags followed by 8 bytes of XFRM.
type Attributes [16]byte

// Flags returns the lower half of the attributes.
func (a Attributes) Flags() uint64 {
	return binary.LittleEndian.Uint64(a[0:8])
}

// XFRM returns the extended feature request mask, the upper half of the attributes.
func (a Attributes) XFRM() uint64 {
	return binary.LittleEndian.Uint64(a[8:16])
}

// EnclaveReport is the report of an SGX enclave. It is used for both the attested enclave and the Quoting Enclave (QE).
type EnclaveReport struct {
	CPUSVN     [16]byte
	MiscSelect uint32
	Reserved1  [28]byte
	Attributes Attributes
	MRENCLAVE  [32]byte
	Reserved2  [32]byte
	MRSIGNER   [32]byte
	Reserved3  [96]byte
	ISVProdID  uint16
	ISVSVN     uint16
	Reserved4  [60]byte
	ReportData [64]byte
}

// ECDSA256QuoteV3AuthData is the signature data of an SGX v3 quote.
type ECDSA256QuoteV3AuthData struct {
	Signature         [64]byte // ECDSA256 signature over header and report
	PublicKey         [64]byte // attestation key, called attestKey in Intel's code
	QEReport          EnclaveReport
	QEReportSignature [64]byte // ECDSA256 signature over QEReport using the PCK key
	QEAuthData        QEAuthData
	CertificationData CertificationData
}

// QEAuthData holds the Quoting Enclave (QE) authentication data.
type QEAuthData struct {
	ParsedDataSize uint16
	Data           []byte
}

// CertificationData holds the data required to verify the QE report signature.
// For type PCKCertChainType this is a PEM encoded PCK certificate chain.
type CertificationData struct {
	Type           uint16
	ParsedDataSize uint32
	Data           []byte
}

// ParseQuote parses an SGX v3 quote. The expected input is the complete quote.
func ParseQuote(rawQuote []byte) (SGXQuote3, error) {
	quoteLength := len(rawQuote)
	if quoteLength < signatureOffset {
		return SGXQuote3{}, fmt.Errorf("quote structure is too short to be parsed (received: %d bytes)", quoteLength)
	} else if quoteLength > MaxQuoteSize {
		return SGXQuote3{}, fmt.Errorf("quote is too large (over 1 MiB, received: %d bytes)", quoteLength)
	}

	header := SGXQuote3Header{
		Version:            binary.LittleEndian.Uint16(rawQuote[0:2]),
		AttestationKeyType: binary.LittleEndian.Uint16(rawQuote[2:4]),
		Reserved:           binary.LittleEndian.Uint32(rawQuote[4:8]),
		QESVN:              binary.LittleEndian.Uint16(rawQuote[8:10]),
		PCESVN:             binary.LittleEndian.Uint16(rawQuote[10:12]),
		QEVendorID:         [16]byte(rawQuote[12:28]),
		UserData:           [20]byte(rawQuote[28:48]),
	}
	if header.Version != QuoteVersion {
		return SGXQuote3{}, fmt.Errorf("quote version is not %d (got: %d)", QuoteVersion, header.Version)
	}
	if header.AttestationKeyType != AttestationKeyTypeECDSAP256 {
		return SGXQuote3{}, fmt.Errorf("unsupported attestation key type (expected ECDSA-P256 (%d), got: %d)", AttestationKeyTypeECDSAP256, header.AttestationKeyType)
	}

	body := parseEnclaveReport(rawQuote[quoteHeaderLen : quoteHeaderLen+enclaveReportLen])

	signatureLength := binary.LittleEndian.Uint32(rawQuote[quoteHeaderLen+enclaveReportLen : signatureOffset])
	// Upgrade to uint64 since signatureOffset + signatureLength could overflow a uint32.
	endSignature := uint64(signatureOffset) + uint64(signatureLength)
	if endSignature != uint64(quoteLength) {
		return SGXQuote3{}, fmt.Errorf("quote SignatureLength does not match the quote size (signature length: %d bytes, left: %d bytes)", signatureLength, quoteLength-signatureOffset)
	}

	signature, err := parseSignature(rawQuote[signatureOffset:endSignature])
	if err != nil {
		return SGXQuote3{}, fmt.Errorf("parsing quote signature: %w", err)
	}

	return SGXQuote3{
		Header:          header,
		Body:            body,
		SignatureLength: signatureLength,
		Signature:       signature,
	}, nil
}

// parseSignature parses the ECDSA256QuoteV3AuthData of an SGXQuote3.
func parseSignature(signature []byte) (ECDSA256QuoteV3AuthData, error) {
	signatureLength := len(signature)
	if signatureLength < minSignatureLen {
		return ECDSA256QuoteV3AuthData{}, fmt.Errorf("signature is too short to be parsed (received: %d bytes, need at least: %d bytes)", signatureLength, minSignatureLen)
	}

	authData := ECDSA256QuoteV3AuthData{
		Signature:         [64]byte(signature[0:64]),
		PublicKey:         [64]byte(signature[64:128]),
		QEReport:          parseEnclaveReport(signature[128:512]),
		QEReportSignature: [64]byte(signature[512:576]),
		QEAuthData: QEAuthData{
			ParsedDataSize: binary.LittleEndian.Uint16(signature[576:578]),
		},
	}

	// Upgrade to uint64 so the sum below can not overflow.
	endQEAuthData := 578 + uint64(authData.QEAuthData.ParsedDataSize)
	if endQEAuthData+6 > uint64(signatureLength) {
		return ECDSA256QuoteV3AuthData{}, fmt.Errorf("QEAuthData.ParsedDataSize is either incorrect or data is truncated (requires: %d bytes, left: %d bytes)", authData.QEAuthData.ParsedDataSize, signatureLength-578)
	}
	authData.QEAuthData.Data = signature[578:endQEAuthData]

	certData, err := parseCertificationData(signature[endQEAuthData:])
	if err != nil {
		return ECDSA256QuoteV3AuthData{}, err
	}
	authData.CertificationData = certData

	return authData, nil
}

// parseCertificationData parses the CertificationData trailing the QE authentication data.
// The certification data must consume the rest of the signature.
func parseCertificationData(data []byte) (CertificationData, error) {
	dataLength := len(data)
	if dataLength < 6 {
		return CertificationData{}, fmt.Errorf("CertificationData is too short to be parsed (received: %d bytes)", dataLength)
	}

	certData := CertificationData{
		Type:           binary.LittleEndian.Uint16(data[0:2]),
		ParsedDataSize: binary.LittleEndian.Uint32(data[2:6]),
	}

	if uint64(certData.ParsedDataSize) != uint64(dataLength-6) {
		return CertificationData{}, fmt.Errorf("CertificationData.ParsedDataSize does not match the remaining data (expected: %d bytes, left: %d bytes)", certData.ParsedDataSize, dataLength-6)
	}
	certData.Data = data[6:]

	return certData, nil
}

// parseEnclaveReport parses a 384 byte enclave report.
func parseEnclaveReport(report []byte) EnclaveReport {
	return EnclaveReport{
		CPUSVN:     [16]byte(report[0:16]),
		MiscSelect: binary.LittleEndian.Uint32(report[16:20]),
		Reserved1:  [28]byte(report[20:48]),
		Attributes: Attributes([16]byte(report[48:64])),
		MRENCLAVE:  [32]byte(report[64:96]),
		Reserved2:  [32]byte(report[96:128]),
		MRSIGNER:   [32]byte(report[128:160]),
		Reserved3:  [96]byte(report[160:256]),
		ISVProdID:  binary.LittleEndian.Uint16(report[256:258]),
		ISVSVN:     binary.LittleEndian.Uint16(report[258:260]),
		Reserved4:  [60]byte(report[260:320]),
		ReportData: [64]byte(report[320:384]),
	}
}
