package types

import (
	"encoding/binary"
)

// Marshal serializes an EnclaveReport to its binary representation found in a quote or Quoting Enclave (QE) report.
func (er *EnclaveReport) Marshal() [384]byte {
	var result [384]byte
	copy(result[0:16], er.CPUSVN[:])
	binary.LittleEndian.PutUint32(result[16:20], er.MiscSelect)
	copy(result[20:48], er.Reserved1[:])
	copy(result[48:64], er.Attributes[:])
	copy(result[64:96], er.MRENCLAVE[:])
	copy(result[96:128], er.Reserved2[:])
	copy(result[128:160], er.MRSIGNER[:])
	copy(result[160:256], er.Reserved3[:])
	binary.LittleEndian.PutUint16(result[256:258], er.ISVProdID)
	binary.LittleEndian.PutUint16(result[258:260], er.ISVSVN)
	copy(result[260:320], er.Reserved4[:])
	copy(result[320:384], er.ReportData[:])

	return result
}

// Marshal serializes an SGX v3 quote header into its binary representation typically found in a raw quote.
func (qh *SGXQuote3Header) Marshal() [48]byte {
	var result [48]byte
	binary.LittleEndian.PutUint16(result[0:2], qh.Version)
	binary.LittleEndian.PutUint16(result[2:4], qh.AttestationKeyType)
	binary.LittleEndian.PutUint32(result[4:8], qh.Reserved)
	binary.LittleEndian.PutUint16(result[8:10], qh.QESVN)
	binary.LittleEndian.PutUint16(result[10:12], qh.PCESVN)
	copy(result[12:28], qh.QEVendorID[:])
	copy(result[28:48], qh.UserData[:])

	return result
}

// SignedData returns the bytes covered by the quote signature: the header followed by the enclave report.
func (q *SGXQuote3) SignedData() []byte {
	header := q.Header.Marshal()
	body := q.Body.Marshal()
	return append(header[:], body[:]...)
}

// Marshal serializes the quote into its binary representation.
// Length fields are derived from the data they describe.
func (q *SGXQuote3) Marshal() []byte {
	header := q.Header.Marshal()
	body := q.Body.Marshal()
	signature := q.Signature.Marshal()

	quote := make([]byte, 0, signatureOffset+len(signature))
	quote = append(quote, header[:]...)
	quote = append(quote, body[:]...)
	quote = binary.LittleEndian.AppendUint32(quote, uint32(len(signature)))
	return append(quote, signature...)
}

// Marshal serializes the signature data of a quote.
func (s *ECDSA256QuoteV3AuthData) Marshal() []byte {
	qeReport := s.QEReport.Marshal()

	out := make([]byte, 0, minSignatureLen+len(s.QEAuthData.Data)+len(s.CertificationData.Data))
	out = append(out, s.Signature[:]...)
	out = append(out, s.PublicKey[:]...)
	out = append(out, qeReport[:]...)
	out = append(out, s.QEReportSignature[:]...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(s.QEAuthData.Data)))
	out = append(out, s.QEAuthData.Data...)
	out = binary.LittleEndian.AppendUint16(out, s.CertificationData.Type)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(s.CertificationData.Data)))
	return append(out, s.CertificationData.Data...)
}
