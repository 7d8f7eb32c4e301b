/*
Package tcb matches a platform's security version numbers against the TCB levels published by Intel.

TCB levels are ordered by Intel from the most recent TCB to the oldest.
A platform is assigned the first level whose SVNs it meets or exceeds.
The order of the levels is significant and is never changed.
*/
package tcb

import (
	"fmt"

	"github.com/edgelesssys/go-sgx-qvl/verification/types"
)

// NoMatchError is returned if a platform does not meet any of the given TCB levels.
// It carries the SVNs of the platform.
type NoMatchError struct {
	// CompSVN and PCESVN are set when matching a platform TCB.
	CompSVN *[16]uint32
	PCESVN  uint32
	// ISVSVN is set when matching an enclave TCB.
	ISVSVN uint16
}

func (e *NoMatchError) Error() string {
	if e.CompSVN != nil {
		return fmt.Sprintf("no TCB level matches platform with CPU SVNs %v and PCESVN %d", *e.CompSVN, e.PCESVN)
	}
	return fmt.Sprintf("no TCB level matches enclave with ISVSVN %d", e.ISVSVN)
}

// MatchPlatform returns the first TCB level the platform with the given SVNs meets.
// A level is met if every component SVN and the PCESVN of the platform
// are greater than or equal to the level's values.
func MatchPlatform(levels []types.TCBLevel, compSVN [16]uint32, pcesvn uint32) (types.TCBLevel, error) {
	level, ok := firstMatch(levels, func(level types.TCBLevel) bool {
		for i, svn := range level.TCB.CompSVN {
			if compSVN[i] < svn {
				return false
			}
		}
		return pcesvn >= level.TCB.PCESVN
	})
	if !ok {
		return types.TCBLevel{}, &NoMatchError{CompSVN: &compSVN, PCESVN: pcesvn}
	}
	return level, nil
}

// MatchEnclave returns the first enclave TCB level the enclave with the given ISVSVN meets.
func MatchEnclave(levels []types.EnclaveTCBLevel, isvsvn uint16) (types.EnclaveTCBLevel, error) {
	level, ok := firstMatch(levels, func(level types.EnclaveTCBLevel) bool {
		return isvsvn >= level.TCB.ISVSVN
	})
	if !ok {
		return types.EnclaveTCBLevel{}, &NoMatchError{ISVSVN: isvsvn}
	}
	return level, nil
}

// firstMatch returns the first level in document order for which meets returns true.
func firstMatch[L any](levels []L, meets func(L) bool) (L, bool) {
	for _, level := range levels {
		if meets(level) {
			return level, true
		}
	}
	var zero L
	return zero, false
}
