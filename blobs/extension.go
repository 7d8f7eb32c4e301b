package blobs

import (
	encasn1 "encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var (
	sgxExtensionOID = encasn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1}
	unknownOID      = encasn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 99}
)

// SGXExtension describes the SGX extension of a PCK certificate.
// Byte fields that are nil are left out of the encoding.
type SGXExtension struct {
	PPID    []byte
	FMSPC   []byte
	PCEID   []byte
	CPUSVN  []byte
	CompSVN [16]uint32
	PCESVN  uint32

	// OmitTCB leaves out the whole TCB sequence.
	OmitTCB bool
	// OmitCompSVN leaves out the TCB component with this 1-based index. Zero keeps all components.
	OmitCompSVN int
	// OmitPCESVN leaves out the PCESVN of the TCB sequence.
	OmitPCESVN bool
	// ComponentOrder is the order in which TCB entries (1-18) are encoded. Nil encodes them in ascending order.
	ComponentOrder []int
	// UnknownEntries is how often an entry with an unknown OID is added to the extension and the TCB sequence.
	UnknownEntries int
}

// DefaultExtension returns the SGX extension of the default platform.
func DefaultExtension() SGXExtension {
	ppid := make([]byte, 16)
	for i := range ppid {
		ppid[i] = byte(0xA0 + i)
	}
	cpusvn := make([]byte, 16)
	copy(cpusvn, []byte{0x05, 0x05, 0x02, 0x02, 0x02, 0x01, 0x00, 0x03})

	return SGXExtension{
		PPID:    ppid,
		FMSPC:   append([]byte(nil), FMSPC[:]...),
		PCEID:   []byte{0x00, 0x00},
		CPUSVN:  cpusvn,
		CompSVN: [16]uint32{5, 5, 2, 2, 2, 1, 0, 3, 0, 0, 0, 0, 0, 0, 0, 0},
		PCESVN:  11,
	}
}

// MustMarshal DER encodes the extension the way Intel encodes it in PCK certificates.
func (e SGXExtension) MustMarshal() []byte {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if e.PPID != nil {
			addOctetStringEntry(b, oidWith(1), e.PPID)
		}
		if !e.OmitTCB {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oidWith(2))
				b.AddASN1(asn1.SEQUENCE, e.addTCBComponents)
			})
		}
		if e.PCEID != nil {
			addOctetStringEntry(b, oidWith(3), e.PCEID)
		}
		if e.FMSPC != nil {
			addOctetStringEntry(b, oidWith(4), e.FMSPC)
		}
		// SGX Type: Standard
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidWith(5))
			b.AddASN1Enum(0)
		})
		for i := 0; i < e.UnknownEntries; i++ {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(unknownOID)
				b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1Boolean(true)
					b.AddASN1OctetString([]byte("reserved for future use"))
				})
			})
		}
	})

	der, err := b.Bytes()
	if err != nil {
		panic(err)
	}
	return der
}

func (e SGXExtension) addTCBComponents(b *cryptobyte.Builder) {
	order := e.ComponentOrder
	if order == nil {
		for i := 1; i <= 18; i++ {
			order = append(order, i)
		}
	}

	for _, id := range order {
		switch {
		case id >= 1 && id <= 16:
			if id == e.OmitCompSVN {
				continue
			}
			addIntegerEntry(b, oidWith(2, id), uint64(e.CompSVN[id-1]))
		case id == 17:
			if e.OmitPCESVN {
				continue
			}
			addIntegerEntry(b, oidWith(2, 17), uint64(e.PCESVN))
		case id == 18:
			if e.CPUSVN != nil {
				addOctetStringEntry(b, oidWith(2, 18), e.CPUSVN)
			}
		}
	}
	for i := 0; i < e.UnknownEntries; i++ {
		addIntegerEntry(b, oidWith(2, 42), 7)
	}
}

func addOctetStringEntry(b *cryptobyte.Builder, oid encasn1.ObjectIdentifier, value []byte) {
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oid)
		b.AddASN1OctetString(value)
	})
}

func addIntegerEntry(b *cryptobyte.Builder, oid encasn1.ObjectIdentifier, value uint64) {
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oid)
		b.AddASN1Uint64(value)
	})
}

// oidWith returns the SGX extension OID with the given components appended.
func oidWith(components ...int) encasn1.ObjectIdentifier {
	oid := make(encasn1.ObjectIdentifier, 0, len(sgxExtensionOID)+len(components))
	oid = append(oid, sgxExtensionOID...)
	return append(oid, components...)
}
