// Package flags holds the boolean feature flags of the storage engine.
package flags

import (
	"sort"
	"strings"

	"github.com/leftmike/coredb/config"
)

type Flag int

const (
	EagerMerge Flag = iota
	LockEscalation
	GhostPurge
	DirectIO
	LogArchive
)

type flagDef struct {
	name  string
	def   bool
	usage string
}

// flagDefs is indexed by Flag.
var flagDefs = []flagDef{
	EagerMerge: {"eager_merge", false,
		"merge B-tree pages as soon as they are underfull instead of when they are empty"},
	LockEscalation: {"lock_escalation", true,
		"escalate row and key locks to a container lock past lock_escalation_threshold"},
	GhostPurge: {"ghost_purge", true, "purge deleted heap rows after their transaction commits"},
	DirectIO:   {"direct_io", false, "bypass the operating system cache for container files"},
	LogArchive: {"log_archive", false,
		"keep compressed copies of truncated log segments in the archive directory"},
}

func (f Flag) String() string {
	return flagDefs[f].name
}

func (f Flag) Usage() string {
	return flagDefs[f].usage
}

func LookupFlag(nam string) (Flag, bool) {
	nam = strings.ToLower(nam)
	for f, fd := range flagDefs {
		if fd.name == nam {
			return Flag(f), true
		}
	}
	return 0, false
}

// ListFlags calls fn for each flag in name order.
func ListFlags(fn func(nam string, f Flag)) {
	all := make([]Flag, len(flagDefs))
	for f := range flagDefs {
		all[f] = Flag(f)
	}
	sort.Slice(all, func(i, j int) bool {
		return flagDefs[all[i]].name < flagDefs[all[j]].name
	})
	for _, f := range all {
		fn(flagDefs[f].name, f)
	}
}

type Flags []bool

func (flgs Flags) GetFlag(f Flag) bool {
	return flgs[f]
}

// Config registers each flag as a param of cfg; flags can not be changed once the database
// is open.
func Config(cfg *config.Config) Flags {
	flgs := Default()
	for f, fd := range flagDefs {
		cfg.BoolParam(&flgs[f], fd.name, fd.def, config.NoUpdate)
	}
	return flgs
}

func Default() Flags {
	flgs := make(Flags, len(flagDefs))
	for f, fd := range flagDefs {
		flgs[f] = fd.def
	}
	return flgs
}
