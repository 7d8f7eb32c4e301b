package blobs

import (
	"crypto/sha256"
	"encoding/binary"
)

// Layout of a generated quote.
const (
	// QuoteSignedDataEnd is the end of the header and enclave report covered by the quote signature.
	QuoteSignedDataEnd = 48 + 384
	// QuoteSignatureOffset is the offset of the ECDSA signature inside a quote.
	QuoteSignatureOffset = QuoteSignedDataEnd + 4
	// QuotePublicKeyOffset is the offset of the attestation key inside a quote.
	QuotePublicKeyOffset = QuoteSignatureOffset + 64
	// QuoteQEReportOffset is the offset of the QE report inside a quote.
	QuoteQEReportOffset = QuotePublicKeyOffset + 64
	// QuoteQEReportSignatureOffset is the offset of the QE report signature inside a quote.
	QuoteQEReportSignatureOffset = QuoteQEReportOffset + 384
)

// intelQEVendorID is the vendor ID of Intel's Quoting Enclave.
var intelQEVendorID = [16]byte{0x93, 0x9A, 0x72, 0x33, 0xF7, 0x9C, 0x4C, 0xA9, 0x94, 0x0A, 0x0D, 0xB3, 0x95, 0x7F, 0x06, 0x07}

// Quote returns a valid SGX v3 quote of the platform, carrying its PCK certificate chain.
func (p *Platform) Quote() []byte {
	return p.QuoteWithCertificationData(5, p.PCKChainPEM())
}

// QuoteWithCertificationData returns an SGX v3 quote with the given certification data.
// All signatures in the quote are valid.
func (p *Platform) QuoteWithCertificationData(certType uint16, certData []byte) []byte {
	header := make([]byte, 48)
	binary.LittleEndian.PutUint16(header[0:2], 3)
	binary.LittleEndian.PutUint16(header[2:4], 2)
	binary.LittleEndian.PutUint16(header[8:10], p.QESVN)
	binary.LittleEndian.PutUint16(header[10:12], uint16(p.Extension.PCESVN))
	copy(header[12:28], intelQEVendorID[:])
	copy(header[28:44], []byte("edgeless-qe-id.."))

	body := enclaveReport(enclaveReportParams{
		cpusvn:     p.Extension.CPUSVN,
		miscSelect: 0,
		flags:      0x07,
		xfrm:       0x03,
		mrenclave:  sha256.Sum256([]byte("attested enclave")),
		mrsigner:   sha256.Sum256([]byte("enclave signer")),
		isvProdID:  1,
		isvSVN:     1,
		reportData: ReportData,
	})

	attestationKey := rawPublicKey(p.attestationKey)
	var qeReportData [64]byte
	keyHash := sha256.Sum256(append(attestationKey[:], p.QEAuthData...))
	copy(qeReportData[:32], keyHash[:])

	qeReport := enclaveReport(enclaveReportParams{
		cpusvn:     p.Extension.CPUSVN,
		miscSelect: 0,
		flags:      0x11,
		xfrm:       0xE7,
		mrenclave:  sha256.Sum256([]byte("quoting enclave")),
		mrsigner:   QEMRSIGNER,
		isvProdID:  QEISVProdID,
		isvSVN:     p.QEISVSVN,
		reportData: qeReportData,
	})

	quoteSignature := signRaw(p.attestationKey, append(append([]byte{}, header...), body...))
	qeReportSignature := signRaw(p.pckKey, qeReport)

	var signature []byte
	signature = append(signature, quoteSignature[:]...)
	signature = append(signature, attestationKey[:]...)
	signature = append(signature, qeReport...)
	signature = append(signature, qeReportSignature[:]...)
	signature = binary.LittleEndian.AppendUint16(signature, uint16(len(p.QEAuthData)))
	signature = append(signature, p.QEAuthData...)
	signature = binary.LittleEndian.AppendUint16(signature, certType)
	signature = binary.LittleEndian.AppendUint32(signature, uint32(len(certData)))
	signature = append(signature, certData...)

	quote := append(header, body...)
	quote = binary.LittleEndian.AppendUint32(quote, uint32(len(signature)))
	return append(quote, signature...)
}

type enclaveReportParams struct {
	cpusvn     []byte
	miscSelect uint32
	flags      uint64
	xfrm       uint64
	mrenclave  [32]byte
	mrsigner   [32]byte
	isvProdID  uint16
	isvSVN     uint16
	reportData [64]byte
}

func enclaveReport(params enclaveReportParams) []byte {
	report := make([]byte, 384)
	copy(report[0:16], params.cpusvn)
	binary.LittleEndian.PutUint32(report[16:20], params.miscSelect)
	binary.LittleEndian.PutUint64(report[48:56], params.flags)
	binary.LittleEndian.PutUint64(report[56:64], params.xfrm)
	copy(report[64:96], params.mrenclave[:])
	copy(report[128:160], params.mrsigner[:])
	binary.LittleEndian.PutUint16(report[256:258], params.isvProdID)
	binary.LittleEndian.PutUint16(report[258:260], params.isvSVN)
	copy(report[320:384], params.reportData[:])
	return report
}
