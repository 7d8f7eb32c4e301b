package types

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgelesssys/go-sgx-qvl/verification/status"
)

const (
	// TCBInfoSGXID indicates that the TCB Info is for an SGX platform.
	TCBInfoSGXID = "SGX"

	// QEIdentityID indicates that the enclave identity describes the SGX Quoting Enclave.
	QEIdentityID = "QE"

	// QEIdentityVersion is the pinned version of the QE Identity information returned by the PCS.
	QEIdentityVersion = 2
)

// TCBInfo contains the TCB levels published by Intel for the platforms of one FMSPC.
type TCBInfo struct {
	ID                      string     `json:"id,omitempty"`
	Version                 uint32     `json:"version"`
	IssueDate               time.Time  `json:"issueDate"`
	NextUpdate              time.Time  `json:"nextUpdate"`
	FMSPC                   [6]byte    `json:"fmspc"`
	PCEID                   []byte     `json:"pceId,omitempty"`
	TCBType                 int        `json:"tcbType"`
	TCBEvaluationDataNumber uint32     `json:"tcbEvaluationDataNumber"`
	TCBLevels               []TCBLevel `json:"tcbLevels"`
}

// UnmarshalJSON parses a JSON representation of the TCB Info into a TCBInfo.
func (t *TCBInfo) UnmarshalJSON(data []byte) error {
	var tcbInfo tcbInfoJSON
	if err := json.Unmarshal(data, &tcbInfo); err != nil {
		return fmt.Errorf("unmarshaling TCB Info JSON: %w", err)
	}
	var err error

	t.ID = tcbInfo.ID
	t.Version = tcbInfo.Version
	t.IssueDate, err = time.Parse(time.RFC3339, tcbInfo.IssueDate)
	if err != nil {
		return fmt.Errorf("parsing TCB Info issue date: %w", err)
	}
	t.NextUpdate, err = time.Parse(time.RFC3339, tcbInfo.NextUpdate)
	if err != nil {
		return fmt.Errorf("parsing TCB Info next update date: %w", err)
	}

	fmspc, err := decodeHexToByte(tcbInfo.FMSPC, 6)
	if err != nil {
		return fmt.Errorf("decoding FMSPC: %w", err)
	}
	t.FMSPC = [6]byte(fmspc)

	if tcbInfo.PCEID != "" {
		t.PCEID, err = decodeHexToByte(tcbInfo.PCEID, 2)
		if err != nil {
			return fmt.Errorf("decoding PCEID: %w", err)
		}
	}

	t.TCBType = tcbInfo.TCBType
	t.TCBEvaluationDataNumber = tcbInfo.TCBEvaluationDataNumber
	t.TCBLevels = tcbInfo.TCBLevels

	return nil
}

// tcbInfoJSON is the JSON representation of the TCB Info using basic strings and ints.
type tcbInfoJSON struct {
	ID                      string     `json:"id"`
	Version                 uint32     `json:"version"`
	IssueDate               string     `json:"issueDate"`
	NextUpdate              string     `json:"nextUpdate"`
	FMSPC                   string     `json:"fmspc"`
	PCEID                   string     `json:"pceId"`
	TCBType                 int        `json:"tcbType"`
	TCBEvaluationDataNumber uint32     `json:"tcbEvaluationDataNumber"`
	TCBLevels               []TCBLevel `json:"tcbLevels"`
}

// TCBLevel is one row of the TCB Info: the minimum SVNs a platform needs for the given status.
type TCBLevel struct {
	TCB         TCB              `json:"tcb"`
	TCBDate     time.Time        `json:"tcbDate"`
	TCBStatus   status.TCBStatus `json:"tcbStatus"`
	AdvisoryIDs []string         `json:"advisoryIDs,omitempty"`
}

// UnmarshalJSON parses a JSON representation of the TCB Level into a TCBLevel.
func (t *TCBLevel) UnmarshalJSON(data []byte) error {
	var tcbLevel tcbLevelJSON
	if err := json.Unmarshal(data, &tcbLevel); err != nil {
		return fmt.Errorf("unmarshaling TCB Level JSON: %w", err)
	}
	if tcbLevel.TCB == nil {
		return errors.New("TCB Level is missing its TCB")
	}

	var err error
	t.TCB = *tcbLevel.TCB
	t.TCBDate, t.TCBStatus, err = parseLevelMetadata(tcbLevel.TCBDate, tcbLevel.TCBStatus)
	if err != nil {
		return err
	}
	t.AdvisoryIDs = tcbLevel.AdvisoryIDs

	return nil
}

// tcbLevelJSON is the JSON representation of a TCB Level using basic strings and ints.
type tcbLevelJSON struct {
	TCB         *TCB     `json:"tcb"`
	TCBDate     string   `json:"tcbDate"`
	TCBStatus   string   `json:"tcbStatus"`
	AdvisoryIDs []string `json:"advisoryIDs"`
}

// TCB holds the SVN thresholds of a TCB Level.
type TCB struct {
	CompSVN [16]uint32 `json:"compSvn"`
	PCESVN  uint32     `json:"pcesvn"`
}

// UnmarshalJSON parses the "tcb" object of a TCB Level.
// Both the version 3 layout (sgxtcbcomponents) and the version 2 layout (sgxtcbcompXXsvn) are accepted.
func (t *TCB) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling TCB JSON: %w", err)
	}

	if rawComponents, ok := raw["sgxtcbcomponents"]; ok {
		var components []TCBComponent
		if err := json.Unmarshal(rawComponents, &components); err != nil {
			return fmt.Errorf("unmarshaling SGX TCB components: %w", err)
		}
		if len(components) != len(t.CompSVN) {
			return fmt.Errorf("expected %d SGX TCB components, got %d", len(t.CompSVN), len(components))
		}
		for i, component := range components {
			t.CompSVN[i] = component.SVN
		}
	} else {
		for i := range t.CompSVN {
			key := fmt.Sprintf("sgxtcbcomp%02dsvn", i+1)
			rawSVN, ok := raw[key]
			if !ok {
				return fmt.Errorf("TCB is missing %s", key)
			}
			if err := json.Unmarshal(rawSVN, &t.CompSVN[i]); err != nil {
				return fmt.Errorf("unmarshaling %s: %w", key, err)
			}
		}
	}

	rawPCESVN, ok := raw["pcesvn"]
	if !ok {
		return errors.New("TCB is missing pcesvn")
	}
	if err := json.Unmarshal(rawPCESVN, &t.PCESVN); err != nil {
		return fmt.Errorf("unmarshaling pcesvn: %w", err)
	}

	return nil
}

// TCBComponent describes the SVN of one SGX TCB component.
type TCBComponent struct {
	SVN      uint32 `json:"svn"`
	Category string `json:"category,omitempty"`
	Type     string `json:"type,omitempty"`
}

// QEIdentity contains the expected identity of Intel's SGX Quoting Enclave (QE).
type QEIdentity struct {
	ID                      string            `json:"id"`
	Version                 uint32            `json:"version"`
	IssueDate               time.Time         `json:"issueDate"`
	NextUpdate              time.Time         `json:"nextUpdate"`
	TCBEvaluationDataNumber uint32            `json:"tcbEvaluationDataNumber"`
	MiscSelect              uint32            `json:"miscselect"`
	MiscSelectMask          uint32            `json:"miscselectMask"`
	Attributes              Attributes        `json:"attributes"`
	AttributesMask          Attributes        `json:"attributesMask"`
	MRSIGNER                [32]byte          `json:"mrsigner"`
	ISVProdID               uint16            `json:"isvprodid"`
	TCBLevels               []EnclaveTCBLevel `json:"tcbLevels"`
}

// UnmarshalJSON parses a JSON representation of the QE Identity into a QEIdentity.
func (q *QEIdentity) UnmarshalJSON(data []byte) error {
	var qeIdentity qeIdentityJSON
	if err := json.Unmarshal(data, &qeIdentity); err != nil {
		return fmt.Errorf("unmarshaling QE Identity JSON: %w", err)
	}

	var err error
	q.ID = qeIdentity.ID
	q.Version = qeIdentity.Version
	q.IssueDate, err = time.Parse(time.RFC3339, qeIdentity.IssueDate)
	if err != nil {
		return fmt.Errorf("parsing QE Identity issue date: %w", err)
	}
	q.NextUpdate, err = time.Parse(time.RFC3339, qeIdentity.NextUpdate)
	if err != nil {
		return fmt.Errorf("parsing QE Identity next update date: %w", err)
	}
	q.TCBEvaluationDataNumber = qeIdentity.TCBEvaluationDataNumber

	miscSelect, err := decodeHexToByte(qeIdentity.MiscSelect, 4)
	if err != nil {
		return fmt.Errorf("decoding MiscSelect: %w", err)
	}
	q.MiscSelect = binary.LittleEndian.Uint32(miscSelect)
	miscSelectMask, err := decodeHexToByte(qeIdentity.MiscSelectMask, 4)
	if err != nil {
		return fmt.Errorf("decoding MiscSelectMask: %w", err)
	}
	q.MiscSelectMask = binary.LittleEndian.Uint32(miscSelectMask)

	attributes, err := decodeHexToByte(qeIdentity.Attributes, 16)
	if err != nil {
		return fmt.Errorf("decoding Attributes: %w", err)
	}
	q.Attributes = Attributes([16]byte(attributes))
	attributesMask, err := decodeHexToByte(qeIdentity.AttributesMask, 16)
	if err != nil {
		return fmt.Errorf("decoding AttributesMask: %w", err)
	}
	q.AttributesMask = Attributes([16]byte(attributesMask))

	mrSigner, err := decodeHexToByte(qeIdentity.MRSIGNER, 32)
	if err != nil {
		return fmt.Errorf("decoding MRSIGNER: %w", err)
	}
	q.MRSIGNER = [32]byte(mrSigner)

	q.ISVProdID = qeIdentity.ISVProdID
	q.TCBLevels = qeIdentity.TCBLevels

	return nil
}

// qeIdentityJSON is the JSON representation of the QE Identity using basic strings and ints.
type qeIdentityJSON struct {
	ID                      string            `json:"id"`
	Version                 uint32            `json:"version"`
	IssueDate               string            `json:"issueDate"`
	NextUpdate              string            `json:"nextUpdate"`
	TCBEvaluationDataNumber uint32            `json:"tcbEvaluationDataNumber"`
	MiscSelect              string            `json:"miscselect"`
	MiscSelectMask          string            `json:"miscselectMask"`
	Attributes              string            `json:"attributes"`
	AttributesMask          string            `json:"attributesMask"`
	MRSIGNER                string            `json:"mrsigner"`
	ISVProdID               uint16            `json:"isvprodid"`
	TCBLevels               []EnclaveTCBLevel `json:"tcbLevels"`
}

// EnclaveTCBLevel is one row of the QE Identity: the minimum ISVSVN of the QE for the given status.
type EnclaveTCBLevel struct {
	TCB         EnclaveTCB       `json:"tcb"`
	TCBDate     time.Time        `json:"tcbDate"`
	TCBStatus   status.TCBStatus `json:"tcbStatus"`
	AdvisoryIDs []string         `json:"advisoryIDs,omitempty"`
}

// EnclaveTCB holds the ISVSVN threshold of an EnclaveTCBLevel.
type EnclaveTCB struct {
	ISVSVN uint16 `json:"isvsvn"`
}

// UnmarshalJSON parses a JSON representation of an enclave TCB level.
func (e *EnclaveTCBLevel) UnmarshalJSON(data []byte) error {
	var level struct {
		TCB *struct {
			ISVSVN *uint16 `json:"isvsvn"`
		} `json:"tcb"`
		TCBDate     string   `json:"tcbDate"`
		TCBStatus   string   `json:"tcbStatus"`
		AdvisoryIDs []string `json:"advisoryIDs"`
	}
	if err := json.Unmarshal(data, &level); err != nil {
		return fmt.Errorf("unmarshaling enclave TCB Level JSON: %w", err)
	}
	if level.TCB == nil || level.TCB.ISVSVN == nil {
		return errors.New("enclave TCB Level is missing its ISVSVN")
	}

	var err error
	e.TCB.ISVSVN = *level.TCB.ISVSVN
	e.TCBDate, e.TCBStatus, err = parseLevelMetadata(level.TCBDate, level.TCBStatus)
	if err != nil {
		return err
	}
	e.AdvisoryIDs = level.AdvisoryIDs

	return nil
}

// parseLevelMetadata parses the date and status shared by platform and enclave TCB levels.
// A missing status is an error, it never defaults to any value.
func parseLevelMetadata(tcbDate, tcbStatus string) (time.Time, status.TCBStatus, error) {
	date, err := time.Parse(time.RFC3339, tcbDate)
	if err != nil {
		return time.Time{}, status.Unknown, fmt.Errorf("parsing TCB date: %w", err)
	}
	if tcbStatus == "" {
		return time.Time{}, status.Unknown, errors.New("TCB Level is missing its status")
	}
	s, err := status.Parse(tcbStatus)
	if err != nil {
		return time.Time{}, status.Unknown, err
	}
	return date, s, nil
}

// decodeHexToByte decodes a hex string into a byte array.
// This function errors if the decoded string is not the expected length,
// to save the caller from having to check the length when parsing into fixed-size arrays.
func decodeHexToByte(in string, expectedLen int) ([]byte, error) {
	out, err := hex.DecodeString(in)
	if err != nil {
		return nil, fmt.Errorf("decoding hex string: %w", err)
	}

	if len(out) != expectedLen {
		return nil, fmt.Errorf("expected %d bytes, but got %d", expectedLen, len(out))
	}

	return out, nil
}
