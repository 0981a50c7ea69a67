package transaction

import "strings"

// EntryPrefix names one of the three participant entry points an operation maps to.
type EntryPrefix string

const (
	PreparePrefix  EntryPrefix = "prepare"
	CommitPrefix   EntryPrefix = "commit"
	RollbackPrefix EntryPrefix = "rollback"
)

// EntryPoint derives the participant entry point for fn: "{prefix}_{base}",
// where base is fn with an existing "{prefix}_" stripped. Applying the same
// prefix twice yields the same name.
func EntryPoint(prefix EntryPrefix, fn string) string {
	marker := string(prefix) + "_"
	return marker + strings.TrimPrefix(fn, marker)
}

// BaseFunction strips a leading "{prefix}_" from an entry point name, if present.
func BaseFunction(prefix EntryPrefix, entryPoint string) string {
	return strings.TrimPrefix(entryPoint, string(prefix)+"_")
}
