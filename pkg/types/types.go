// Package types defines the core data structures shared across the
// ingestion pipeline: the records the streaming parser emits, the wire
// protocol datagrams the fan-out subsystem serializes, and the
// configuration shapes every component is constructed from.
package types

// EntryType is the ordinal type of a trace entry, matching the producer
// protocol's <type> element text.
type EntryType int

const (
	EntryDebug EntryType = iota
	EntryError
	EntryLog
	EntryWatch
)

func (t EntryType) String() string {
	switch t {
	case EntryDebug:
		return "Debug"
	case EntryError:
		return "Error"
	case EntryLog:
		return "Log"
	case EntryWatch:
		return "Watch"
	default:
		return "Unknown"
	}
}

// VariableType is the type tag carried by a Variable's snapshot value.
type VariableType int

const (
	VarString VariableType = iota
	VarNumber
	VarFloat
	VarBoolean
)

// ParseVariableType maps the producer protocol's type strings to the
// enumerated VariableType. Unrecognized strings default to VarString,
// matching the parser's forward-compatible "ignore unknown, don't fail"
// stance for attribute values.
func ParseVariableType(s string) VariableType {
	switch s {
	case "number":
		return VarNumber
	case "float":
		return VarFloat
	case "boolean":
		return VarBoolean
	default:
		return VarString
	}
}

func (t VariableType) String() string {
	switch t {
	case VarNumber:
		return "number"
	case VarFloat:
		return "float"
	case VarBoolean:
		return "boolean"
	default:
		return "string"
	}
}

// Variable is one named, typed value snapshot attached to a TraceEntry.
type Variable struct {
	Name  string
	Type  VariableType
	Value string
}

// StackFrame is one frame of a TraceEntry's backtrace, in arrival order
// (depth 0 is the innermost frame, assigned by list position on insert).
type StackFrame struct {
	Module         string
	Function       string
	FunctionOffset string
	SourceFile     string
	LineNumber     int
}

// TraceKey is a producer-declared symbolic category ("group") that can be
// toggled on or off at the producer. Declarations are persisted for
// auditing even when Enabled is false.
type TraceKey struct {
	Name    string
	Enabled bool
}

// TraceEntry is one runtime emission at a trace point, immutable once the
// parser has assembled it from its XML fragment.
type TraceEntry struct {
	ProcessID        int64
	ProcessStartTime int64 // ms since epoch
	ThreadID         int64
	Timestamp        int64 // ms since epoch
	Type             EntryType
	Path             string
	Line             int
	Function         string
	ProcessName      string
	Group            string // empty means no group declared
	Message          string
	StackPosition    int64
	Variables        []Variable
	Backtrace        []StackFrame
	Keys             []TraceKey
}

// ProcessShutdownEvent marks the end of a producer process's lifetime.
type ProcessShutdownEvent struct {
	ProcessID int64
	StartTime int64
	StopTime  int64
	Name      string
}

// UnlimitedStorage is the sentinel MaxSize value meaning "no ceiling".
const UnlimitedStorage int64 = -1

// StorageConfiguration is a producer-delivered directive controlling the
// live store's size ceiling and archival behavior.
type StorageConfiguration struct {
	MaxSize    int64 // bytes, or UnlimitedStorage
	ShrinkBy   int   // percent, clamped to [1,100] on apply
	ArchiveDir string
}

// Clamped returns a copy with ShrinkBy clamped into [1,100].
func (c StorageConfiguration) Clamped() StorageConfiguration {
	if c.ShrinkBy < 1 {
		c.ShrinkBy = 1
	}
	if c.ShrinkBy > 100 {
		c.ShrinkBy = 100
	}
	return c
}

// Equal reports whether two configurations have identical field values,
// used by apply_storage_configuration's idempotence check.
func (c StorageConfiguration) Equal(other StorageConfiguration) bool {
	return c.MaxSize == other.MaxSize && c.ShrinkBy == other.ShrinkBy && c.ArchiveDir == other.ArchiveDir
}

// Record is the union of the three record kinds the streaming parser
// emits. Exactly one of the three pointer fields is non-nil.
type Record struct {
	Entry    *TraceEntry
	Shutdown *ProcessShutdownEvent
	Config   *StorageConfiguration
}
