package blobs

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

// TCBLevel describes one level of a generated TCB Info.
type TCBLevel struct {
	CompSVN     [16]uint32
	PCESVN      uint32
	Status      string
	AdvisoryIDs []string
}

// QELevel describes one level of a generated QE Identity.
type QELevel struct {
	ISVSVN uint16
	Status string
}

// QEIdentity describes a generated QE Identity. Hex fields are written as given.
type QEIdentity struct {
	MiscSelect     string
	MiscSelectMask string
	Attributes     string
	AttributesMask string
	MRSIGNER       [32]byte
	ISVProdID      uint16
	Levels         []QELevel
}

// DefaultTCBLevels returns TCB levels for a platform with the given extension, strictest first.
// The platform matches the first level, which is UpToDate.
func DefaultTCBLevels(ext SGXExtension) []TCBLevel {
	outOfDate := ext.CompSVN
	for i := range outOfDate {
		if outOfDate[i] > 0 {
			outOfDate[i]--
		}
	}

	return []TCBLevel{
		{CompSVN: ext.CompSVN, PCESVN: ext.PCESVN, Status: "UpToDate"},
		{CompSVN: ext.CompSVN, PCESVN: 5, Status: "SWHardeningNeeded", AdvisoryIDs: []string{"INTEL-SA-00615"}},
		{CompSVN: outOfDate, PCESVN: 5, Status: "OutOfDate", AdvisoryIDs: []string{"INTEL-SA-00219", "INTEL-SA-00615"}},
		{CompSVN: [16]uint32{}, PCESVN: 0, Status: "Revoked"},
	}
}

// DefaultQEIdentity returns a QE Identity matched by quotes of a default platform.
func DefaultQEIdentity() QEIdentity {
	return QEIdentity{
		MiscSelect:     "00000000",
		MiscSelectMask: "FFFFFFFF",
		Attributes:     "11000000000000000000000000000000",
		AttributesMask: "FBFFFFFFFFFFFFFF0000000000000000",
		MRSIGNER:       QEMRSIGNER,
		ISVProdID:      QEISVProdID,
		Levels: []QELevel{
			{ISVSVN: 8, Status: "UpToDate"},
			{ISVSVN: 6, Status: "OutOfDate"},
			{ISVSVN: 0, Status: "OutOfDate"},
		},
	}
}

// TCBInfoJSON returns a version 3 TCB Info document as served by the PCS, signed by the platform's TCB signing key.
func (p *Platform) TCBInfoJSON(fmspc [6]byte, levels []TCBLevel) []byte {
	type component struct {
		SVN uint32 `json:"svn"`
	}
	type tcb struct {
		SGXTCBComponents []component `json:"sgxtcbcomponents"`
		PCESVN           uint32      `json:"pcesvn"`
	}
	type tcbLevel struct {
		TCB         tcb      `json:"tcb"`
		TCBDate     string   `json:"tcbDate"`
		TCBStatus   string   `json:"tcbStatus"`
		AdvisoryIDs []string `json:"advisoryIDs,omitempty"`
	}

	jsonLevels := make([]tcbLevel, 0, len(levels))
	for _, level := range levels {
		components := make([]component, len(level.CompSVN))
		for i, svn := range level.CompSVN {
			components[i] = component{SVN: svn}
		}
		jsonLevels = append(jsonLevels, tcbLevel{
			TCB:         tcb{SGXTCBComponents: components, PCESVN: level.PCESVN},
			TCBDate:     p.Now.AddDate(0, -6, 0).Format(time.RFC3339),
			TCBStatus:   level.Status,
			AdvisoryIDs: level.AdvisoryIDs,
		})
	}

	body := mustMarshalJSON(struct {
		ID                      string     `json:"id"`
		Version                 int        `json:"version"`
		IssueDate               string     `json:"issueDate"`
		NextUpdate              string     `json:"nextUpdate"`
		FMSPC                   string     `json:"fmspc"`
		PCEID                   string     `json:"pceId"`
		TCBType                 int        `json:"tcbType"`
		TCBEvaluationDataNumber int        `json:"tcbEvaluationDataNumber"`
		TCBLevels               []tcbLevel `json:"tcbLevels"`
	}{
		ID:                      "SGX",
		Version:                 3,
		IssueDate:               p.issueDate(),
		NextUpdate:              p.nextUpdate(),
		FMSPC:                   hex.EncodeToString(fmspc[:]),
		PCEID:                   "0000",
		TCBType:                 0,
		TCBEvaluationDataNumber: 15,
		TCBLevels:               jsonLevels,
	})

	return p.SignDocument("tcbInfo", body)
}

// QEIdentityJSON returns a version 2 QE Identity document as served by the PCS, signed by the platform's TCB signing key.
func (p *Platform) QEIdentityJSON(identity QEIdentity) []byte {
	type tcbLevel struct {
		TCB struct {
			ISVSVN uint16 `json:"isvsvn"`
		} `json:"tcb"`
		TCBDate   string `json:"tcbDate"`
		TCBStatus string `json:"tcbStatus"`
	}

	levels := make([]tcbLevel, 0, len(identity.Levels))
	for _, level := range identity.Levels {
		var l tcbLevel
		l.TCB.ISVSVN = level.ISVSVN
		l.TCBDate = p.Now.AddDate(0, -6, 0).Format(time.RFC3339)
		l.TCBStatus = level.Status
		levels = append(levels, l)
	}

	body := mustMarshalJSON(struct {
		ID                      string     `json:"id"`
		Version                 int        `json:"version"`
		IssueDate               string     `json:"issueDate"`
		NextUpdate              string     `json:"nextUpdate"`
		TCBEvaluationDataNumber int        `json:"tcbEvaluationDataNumber"`
		MiscSelect              string     `json:"miscselect"`
		MiscSelectMask          string     `json:"miscselectMask"`
		Attributes              string     `json:"attributes"`
		AttributesMask          string     `json:"attributesMask"`
		MRSIGNER                string     `json:"mrsigner"`
		ISVProdID               uint16     `json:"isvprodid"`
		TCBLevels               []tcbLevel `json:"tcbLevels"`
	}{
		ID:                      "QE",
		Version:                 2,
		IssueDate:               p.issueDate(),
		NextUpdate:              p.nextUpdate(),
		TCBEvaluationDataNumber: 15,
		MiscSelect:              identity.MiscSelect,
		MiscSelectMask:          identity.MiscSelectMask,
		Attributes:              identity.Attributes,
		AttributesMask:          identity.AttributesMask,
		MRSIGNER:                hex.EncodeToString(identity.MRSIGNER[:]),
		ISVProdID:               identity.ISVProdID,
		TCBLevels:               levels,
	})

	return p.SignDocument("enclaveIdentity", body)
}

// SignDocument wraps body into the PCS envelope {"<name>": body, "signature": hex(r || s)}.
// The signature covers the exact bytes of body.
func (p *Platform) SignDocument(name string, body []byte) []byte {
	sig := signRaw(p.tcbSigningKey, body)

	var doc []byte
	doc = append(doc, `{"`+name+`":`...)
	doc = append(doc, body...)
	doc = append(doc, `,"signature":"`+hex.EncodeToString(sig[:])+`"}`...)
	return doc
}

func (p *Platform) issueDate() string {
	return p.Now.Add(-time.Hour).Format(time.RFC3339)
}

func (p *Platform) nextUpdate() string {
	return p.Now.AddDate(0, 0, 30).Format(time.RFC3339)
}

func mustMarshalJSON(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
