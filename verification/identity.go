package verification

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/edgelesssys/go-sgx-qvl/verification/status"
	"github.com/edgelesssys/go-sgx-qvl/verification/tcb"
	"github.com/edgelesssys/go-sgx-qvl/verification/types"
)

// VerifyQEIdentity verifies the report of the Quoting Enclave (QE) against Intel's QE Identity.
// Checks run in a fixed order and stop at the first mismatch.
// Only a QE whose TCB level is UpToDate is accepted.
func VerifyQEIdentity(identity types.QEIdentity, report types.EnclaveReport) error {
	if report.MRSIGNER != identity.MRSIGNER {
		return identityMismatch("mrsigner", hex.EncodeToString(identity.MRSIGNER[:]), hex.EncodeToString(report.MRSIGNER[:]))
	}

	if report.ISVProdID != identity.ISVProdID {
		return identityMismatch("isvprodid", strconv.Itoa(int(identity.ISVProdID)), strconv.Itoa(int(report.ISVProdID)))
	}

	if masked := report.MiscSelect & identity.MiscSelectMask; masked != identity.MiscSelect {
		return identityMismatch("miscselect", fmt.Sprintf("%08x", identity.MiscSelect), fmt.Sprintf("%08x", masked))
	}

	if masked := report.Attributes.Flags() & identity.AttributesMask.Flags(); masked != identity.Attributes.Flags() {
		return identityMismatch("attributes.flags", fmt.Sprintf("%016x", identity.Attributes.Flags()), fmt.Sprintf("%016x", masked))
	}
	if masked := report.Attributes.XFRM() & identity.AttributesMask.XFRM(); masked != identity.Attributes.XFRM() {
		return identityMismatch("attributes.xfrm", fmt.Sprintf("%016x", identity.Attributes.XFRM()), fmt.Sprintf("%016x", masked))
	}

	level, err := tcb.MatchEnclave(identity.TCBLevels, report.ISVSVN)
	if err != nil {
		return newError(StepVerifyQEIdentity, ErrNoMatch, err)
	}
	if level.TCBStatus != status.UpToDate {
		return identityMismatch("tcbStatus", status.UpToDate.String(), level.TCBStatus.String())
	}

	return nil
}

func identityMismatch(field, expected, actual string) error {
	return newError(StepVerifyQEIdentity, ErrIdentity, &IdentityError{Field: field, Expected: expected, Actual: actual})
}
