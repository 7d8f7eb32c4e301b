package types

import "fmt"

// Names of the mandatory fields of the PCK certificate SGX extension.
const (
	FieldPPID       = "ppid"
	FieldFMSPC      = "fmspc"
	FieldTCBCompSVN = "tcb_comp_svn"
	FieldPCESVN     = "pcesvn"
)

// MissingFieldError is returned when a mandatory field is absent from the SGX extension of a PCK certificate.
type MissingFieldError struct {
	Field string
	// Component is the 1-based index of the missing TCB component, if Field is FieldTCBCompSVN.
	Component int
}

func (e *MissingFieldError) Error() string {
	if e.Field == FieldTCBCompSVN && e.Component > 0 {
		return fmt.Sprintf("missing %s (component %d) in PCK SGX extension", e.Field, e.Component)
	}
	return fmt.Sprintf("missing %s in PCK SGX extension", e.Field)
}

// FieldLengthError is returned when a fixed size field has an unexpected length.
type FieldLengthError struct {
	Field    string
	Expected int
	Got      int
}

func (e *FieldLengthError) Error() string {
	return fmt.Sprintf("invalid %s length: expected %d bytes, got %d bytes", e.Field, e.Expected, e.Got)
}
