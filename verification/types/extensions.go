package types

import (
	"crypto/x509"
	encasn1 "encoding/asn1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// OIDs of Intel's PCK certificate SGX extension.
// See the "SGX PCK Certificate and CRL Profile" for the full list.
var (
	SGXExtensionOID = encasn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1}

	ppidOID  = encasn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 1}
	tcbOID   = encasn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 2}
	pceidOID = encasn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 3}
	fmspcOID = encasn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 4}
)

const (
	// tcbPCESVNComponent is the last OID component of the PCESVN inside the TCB sequence.
	tcbPCESVNComponent = 17
	// tcbCPUSVNComponent is the last OID component of the CPUSVN inside the TCB sequence.
	tcbCPUSVNComponent = 18
)

// PCKExtensions are the fields of a PCK certificate's SGX extension used for TCB evaluation.
// Byte fields are JSON encoded as hex strings, the way the PCS writes them.
type PCKExtensions struct {
	PPID  [16]byte
	TCB   PCKTCB
	FMSPC [6]byte
	// PCEID is optional. If present, it is exactly 2 bytes long.
	PCEID []byte
}

type pckExtensionsJSON struct {
	PPID  string `json:"ppid"`
	TCB   PCKTCB `json:"tcb"`
	FMSPC string `json:"fmspc"`
	PCEID string `json:"pceid,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e PCKExtensions) MarshalJSON() ([]byte, error) {
	return json.Marshal(pckExtensionsJSON{
		PPID:  hex.EncodeToString(e.PPID[:]),
		TCB:   e.TCB,
		FMSPC: hex.EncodeToString(e.FMSPC[:]),
		PCEID: hex.EncodeToString(e.PCEID),
	})
}

// PCKTCB describes the TCB of a platform as certified in its PCK certificate.
type PCKTCB struct {
	CompSVN [16]uint32
	PCESVN  uint32
	CPUSVN  [16]byte
}

type pckTCBJSON struct {
	CompSVN [16]uint32 `json:"compSvn"`
	PCESVN  uint32     `json:"pcesvn"`
	CPUSVN  string     `json:"cpusvn"`
}

// MarshalJSON implements json.Marshaler.
func (t PCKTCB) MarshalJSON() ([]byte, error) {
	return json.Marshal(pckTCBJSON{
		CompSVN: t.CompSVN,
		PCESVN:  t.PCESVN,
		CPUSVN:  hex.EncodeToString(t.CPUSVN[:]),
	})
}

// ParsePCKCertificateExtension parses the SGX extension of a PCK certificate.
func ParsePCKCertificateExtension(pckCert *x509.Certificate) (PCKExtensions, error) {
	for _, ext := range pckCert.Extensions {
		if ext.Id.Equal(SGXExtensionOID) {
			return ParsePCKExtension(ext.Value)
		}
	}
	return PCKExtensions{}, errors.New("no SGX extension found in certificate")
}

// ParsePCKExtension parses the DER encoded value of a PCK certificate's SGX extension.
//
// The extension is a sequence of (OID, value) sequences. Entries with unknown OIDs are skipped.
// PPID, FMSPC, all 16 TCB component SVNs and the PCESVN are mandatory,
// a missing field is reported as *MissingFieldError.
func ParsePCKExtension(der []byte) (PCKExtensions, error) {
	input := cryptobyte.String(der)
	var entries cryptobyte.String
	if !input.ReadASN1(&entries, asn1.SEQUENCE) || !input.Empty() {
		return PCKExtensions{}, errors.New("SGX extension is not a single DER sequence")
	}

	var ext PCKExtensions
	var tcbPresent map[int]bool
	seen := make(map[string]bool)
	for !entries.Empty() {
		var entry cryptobyte.String
		var oid encasn1.ObjectIdentifier
		if !entries.ReadASN1(&entry, asn1.SEQUENCE) || !entry.ReadASN1ObjectIdentifier(&oid) {
			return PCKExtensions{}, errors.New("malformed SGX extension entry")
		}
		if isKnownEntry(oid) {
			if seen[oid.String()] {
				return PCKExtensions{}, fmt.Errorf("duplicate SGX extension entry %s", oid)
			}
			seen[oid.String()] = true
		}

		switch {
		case oid.Equal(ppidOID):
			ppid, err := readOctetString(&entry, FieldPPID, 16)
			if err != nil {
				return PCKExtensions{}, err
			}
			ext.PPID = [16]byte(ppid)
		case oid.Equal(fmspcOID):
			fmspc, err := readOctetString(&entry, FieldFMSPC, 6)
			if err != nil {
				return PCKExtensions{}, err
			}
			ext.FMSPC = [6]byte(fmspc)
		case oid.Equal(pceidOID):
			pceid, err := readOctetString(&entry, "pceid", 2)
			if err != nil {
				return PCKExtensions{}, err
			}
			ext.PCEID = append([]byte(nil), pceid...)
		case oid.Equal(tcbOID):
			var err error
			ext.TCB, tcbPresent, err = parseTCB(&entry)
			if err != nil {
				return PCKExtensions{}, fmt.Errorf("parsing TCB: %w", err)
			}
		default:
			if err := skipElements(&entry); err != nil {
				return PCKExtensions{}, fmt.Errorf("skipping SGX extension entry %s: %w", oid, err)
			}
		}

		if !entry.Empty() {
			return PCKExtensions{}, fmt.Errorf("trailing data in SGX extension entry %s", oid)
		}
	}

	if !seen[ppidOID.String()] {
		return PCKExtensions{}, &MissingFieldError{Field: FieldPPID}
	}
	if !seen[fmspcOID.String()] {
		return PCKExtensions{}, &MissingFieldError{Field: FieldFMSPC}
	}
	for i := 1; i <= len(ext.TCB.CompSVN); i++ {
		if !tcbPresent[i] {
			return PCKExtensions{}, &MissingFieldError{Field: FieldTCBCompSVN, Component: i}
		}
	}
	if !tcbPresent[tcbPCESVNComponent] {
		return PCKExtensions{}, &MissingFieldError{Field: FieldPCESVN}
	}

	return ext, nil
}

// parseTCB parses the TCB sequence of the SGX extension.
// The last component of each entry's OID selects the field it describes.
// It returns which of these components were present.
func parseTCB(entry *cryptobyte.String) (PCKTCB, map[int]bool, error) {
	var components cryptobyte.String
	if !entry.ReadASN1(&components, asn1.SEQUENCE) {
		return PCKTCB{}, nil, errors.New("TCB is not a DER sequence")
	}

	var tcb PCKTCB
	present := make(map[int]bool)
	for !components.Empty() {
		var component cryptobyte.String
		var oid encasn1.ObjectIdentifier
		if !components.ReadASN1(&component, asn1.SEQUENCE) || !component.ReadASN1ObjectIdentifier(&oid) || len(oid) == 0 {
			return PCKTCB{}, nil, errors.New("malformed TCB component")
		}

		id := oid[len(oid)-1]
		known := id >= 1 && id <= tcbCPUSVNComponent
		if known && present[id] {
			return PCKTCB{}, nil, fmt.Errorf("duplicate TCB component %d", id)
		}

		switch {
		case id >= 1 && id <= len(tcb.CompSVN):
			if !component.ReadASN1Integer(&tcb.CompSVN[id-1]) {
				return PCKTCB{}, nil, fmt.Errorf("TCB component %d is not an unsigned 32-bit integer", id)
			}
		case id == tcbPCESVNComponent:
			if !component.ReadASN1Integer(&tcb.PCESVN) {
				return PCKTCB{}, nil, errors.New("PCESVN is not an unsigned 32-bit integer")
			}
		case id == tcbCPUSVNComponent:
			cpusvn, err := readOctetString(&component, "cpusvn", 16)
			if err != nil {
				return PCKTCB{}, nil, err
			}
			tcb.CPUSVN = [16]byte(cpusvn)
		default:
			if err := skipElements(&component); err != nil {
				return PCKTCB{}, nil, fmt.Errorf("skipping TCB component %d: %w", id, err)
			}
		}

		if !component.Empty() {
			return PCKTCB{}, nil, fmt.Errorf("trailing data in TCB component %d", id)
		}
		if known {
			present[id] = true
		}
	}

	return tcb, present, nil
}

// isKnownEntry reports whether oid is an entry of the SGX extension read by ParsePCKExtension.
// Only known entries are checked for duplicates.
func isKnownEntry(oid encasn1.ObjectIdentifier) bool {
	return oid.Equal(ppidOID) || oid.Equal(tcbOID) || oid.Equal(pceidOID) || oid.Equal(fmspcOID)
}

// readOctetString reads a DER OCTET STRING of exactly size bytes.
func readOctetString(s *cryptobyte.String, field string, size int) ([]byte, error) {
	var value cryptobyte.String
	if !s.ReadASN1(&value, asn1.OCTET_STRING) {
		return nil, fmt.Errorf("%s is not an OCTET STRING", field)
	}
	if len(value) != size {
		return nil, &FieldLengthError{Field: field, Expected: size, Got: len(value)}
	}
	return value, nil
}

// skipElements consumes all remaining DER elements of s without interpreting them.
func skipElements(s *cryptobyte.String) error {
	for !s.Empty() {
		var element cryptobyte.String
		var tag asn1.Tag
		if !s.ReadAnyASN1Element(&element, &tag) {
			return errors.New("malformed DER element")
		}
	}
	return nil
}
