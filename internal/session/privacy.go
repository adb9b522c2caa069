package session

import "path/filepath"

// PrivacyFilter masks host details in session listings before they leave
// the process. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskPIDs       bool
	MaskShellPaths bool
}

// Apply returns a copy of info with the configured fields masked. The
// original is never modified.
func (f *PrivacyFilter) Apply(info Info) Info {
	masked := info.Clone()
	if f.MaskPIDs {
		masked.PID = 0
	}
	if f.MaskShellPaths && masked.Shell != "" {
		masked.Shell = filepath.Base(masked.Shell)
	}
	return masked
}

// FilterSlice returns a new slice with masking applied to each entry.
func (f *PrivacyFilter) FilterSlice(infos []Info) []Info {
	if f == nil || f.IsNoop() {
		return infos
	}
	result := make([]Info, 0, len(infos))
	for _, info := range infos {
		result = append(result, f.Apply(info))
	}
	return result
}

// IsNoop reports whether the filter changes nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskPIDs && !f.MaskShellPaths
}
