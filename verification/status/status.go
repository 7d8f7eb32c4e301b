// Package status defines the TCB status values reported by Intel's PCS.
package status

import "fmt"

// TCBStatus is the status of a TCB level as reported in TCB Info or QE Identity documents.
type TCBStatus uint8

const (
	// Unknown is the zero value and marks a missing or unparsed status.
	Unknown TCBStatus = iota
	// UpToDate indicates the platform is patched with the latest firmware and software.
	UpToDate
	// SWHardeningNeeded indicates the platform is up to date, but software mitigations are required.
	SWHardeningNeeded
	// ConfigurationNeeded indicates the platform requires additional configuration to be up to date.
	ConfigurationNeeded
	// ConfigurationAndSWHardeningNeeded combines ConfigurationNeeded and SWHardeningNeeded.
	ConfigurationAndSWHardeningNeeded
	// OutOfDate indicates the platform firmware or software is not patched.
	OutOfDate
	// OutOfDateConfigurationNeeded combines OutOfDate and ConfigurationNeeded.
	OutOfDateConfigurationNeeded
	// Revoked indicates the platform has been revoked and must not be trusted.
	Revoked
)

var (
	statusByName = map[string]TCBStatus{
		"UpToDate":                          UpToDate,
		"SWHardeningNeeded":                 SWHardeningNeeded,
		"ConfigurationNeeded":               ConfigurationNeeded,
		"ConfigurationAndSWHardeningNeeded": ConfigurationAndSWHardeningNeeded,
		"OutOfDate":                         OutOfDate,
		"OutOfDateConfigurationNeeded":      OutOfDateConfigurationNeeded,
		"Revoked":                           Revoked,
	}

	nameByStatus = func() map[TCBStatus]string {
		m := make(map[TCBStatus]string, len(statusByName))
		for k, v := range statusByName {
			m[v] = k
		}
		return m
	}()
)

// Parse returns the TCBStatus for the given PCS label.
func Parse(label string) (TCBStatus, error) {
	s, ok := statusByName[label]
	if !ok {
		return Unknown, fmt.Errorf("invalid TCB status %q", label)
	}
	return s, nil
}

// String returns the PCS label of the status.
func (s TCBStatus) String() string {
	if name, ok := nameByStatus[s]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText encodes a TCBStatus as its PCS label.
func (s TCBStatus) MarshalText() ([]byte, error) {
	name, ok := nameByStatus[s]
	if !ok {
		return nil, fmt.Errorf("invalid TCB status: %d", s)
	}
	return []byte(name), nil
}

// UnmarshalText decodes a PCS label into a TCBStatus.
func (s *TCBStatus) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Acceptable reports whether the status may be returned to a caller as a graded result,
// rather than being treated as a failure by itself. Only Revoked and Unknown are not acceptable.
func (s TCBStatus) Acceptable() bool {
	return s != Unknown && s != Revoked
}
