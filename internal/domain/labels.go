package domain

import "strings"

// Label keys applied to every resource created by testbay.
const (
	LabelPrefix = "io.testbay"

	// Resource labels
	LabelManaged   = LabelPrefix + ".managed"
	LabelSessionID = LabelPrefix + ".session-id"
	LabelVersion   = LabelPrefix + ".version"

	// Reaper sidecar labels. The sidecar never carries LabelSessionID so it
	// is not selected by the filters it enforces.
	LabelReaper        = LabelPrefix + ".reaper"
	LabelReaperSession = LabelPrefix + ".reaper.session-id"
)

// ManagedLabels returns the fixed labels identifying a session's resources.
func ManagedLabels(sessionID, version string) map[string]string {
	labels := map[string]string{
		LabelManaged: "true",
		LabelVersion: version,
	}
	if sessionID != "" {
		labels[LabelSessionID] = sessionID
	}
	return labels
}

// IsReserved reports whether key belongs to the testbay label namespace.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, LabelPrefix+".")
}
