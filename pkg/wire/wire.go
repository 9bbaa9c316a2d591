// Package wire implements the byte layout of blob transfer requests and
// responses. All functions are pure; nothing here touches a transport.
package wire

import "fmt"

// Command identifies a protocol operation. It is the first byte of every request.
type Command uint8

const (
	CmdGetCount Command = iota
	CmdEnumerate
	CmdOpen
	CmdRead
	CmdWrite
	CmdCommit
	CmdClose
	CmdDelete
	CmdStat
	CmdSessionStat
	CmdWriteMeta
)

func (c Command) String() string {
	switch c {
	case CmdGetCount:
		return "get-count"
	case CmdEnumerate:
		return "enumerate"
	case CmdOpen:
		return "open"
	case CmdRead:
		return "read"
	case CmdWrite:
		return "write"
	case CmdCommit:
		return "commit"
	case CmdClose:
		return "close"
	case CmdDelete:
		return "delete"
	case CmdStat:
		return "stat"
	case CmdSessionStat:
		return "session-stat"
	case CmdWriteMeta:
		return "write-meta"
	default:
		return fmt.Sprintf("command(%d)", uint8(c))
	}
}

// Valid reports whether c is a known command.
func (c Command) Valid() bool { return c <= CmdWriteMeta }

// OpenFlags are supplied at open time and fixed for the life of a session.
// Bits 8-15 are reserved for handler-specific meaning.
type OpenFlags uint16

const (
	OpenRead  OpenFlags = 1 << 0
	OpenWrite OpenFlags = 1 << 1

	// OpenHandlerMask covers the handler-specific bits.
	OpenHandlerMask OpenFlags = 0xff00
)

// Has reports whether all bits in want are set.
func (f OpenFlags) Has(want OpenFlags) bool { return f&want == want }

// StateFlags describe the observable state of a blob or session.
type StateFlags uint16

const (
	StateOpenRead    StateFlags = 1 << 0
	StateOpenWrite   StateFlags = 1 << 1
	StateCommitting  StateFlags = 1 << 2
	StateCommitted   StateFlags = 1 << 3
	StateCommitError StateFlags = 1 << 4
)

// Has reports whether all bits in want are set.
func (s StateFlags) Has(want StateFlags) bool { return s&want == want }

// StateFromOpen returns the open_* bits implied by flags.
func StateFromOpen(flags OpenFlags) StateFlags {
	var s StateFlags
	if flags.Has(OpenRead) {
		s |= StateOpenRead
	}
	if flags.Has(OpenWrite) {
		s |= StateOpenWrite
	}
	return s
}

// MaxMetadata is the largest metadata section a stat reply can carry.
const MaxMetadata = 0xff

// MaxCommitData is the largest commit payload (length travels in one byte).
const MaxCommitData = 0xff

// BlobMeta is the stat view of a blob or a session.
type BlobMeta struct {
	State    StateFlags
	Size     uint32
	Metadata []byte
}

// Equal compares all three fields.
func (m BlobMeta) Equal(o BlobMeta) bool {
	if m.State != o.State || m.Size != o.Size || len(m.Metadata) != len(o.Metadata) {
		return false
	}
	for i := range m.Metadata {
		if m.Metadata[i] != o.Metadata[i] {
			return false
		}
	}
	return true
}

// Code is the completion code carried in the first byte of a response.
type Code uint8

const (
	CodeSuccess        Code = 0x00
	CodeNoCapacity     Code = 0xc0
	CodeInvalidCommand Code = 0xc1
	CodeTimeout        Code = 0xc3
	CodeMalformed      Code = 0xc7
	CodeNotFound       Code = 0xcb
	CodeInvalidSession Code = 0xcc
	CodeInvalidState   Code = 0xd5
	CodeConflict       Code = 0xd6
	CodeBackendFailure Code = 0xff
)

// String returns the fixed human-readable text for the code.
func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeNoCapacity:
		return "no session capacity"
	case CodeInvalidCommand:
		return "invalid command"
	case CodeTimeout:
		return "command timed out"
	case CodeMalformed:
		return "malformed request"
	case CodeNotFound:
		return "blob not found"
	case CodeInvalidSession:
		return "invalid session"
	case CodeInvalidState:
		return "invalid state for operation"
	case CodeConflict:
		return "request refused by handler"
	case CodeBackendFailure:
		return "backend failure"
	default:
		return fmt.Sprintf("unknown completion code 0x%02x", uint8(c))
	}
}

// Known reports whether c is one of the defined completion codes.
func (c Code) Known() bool {
	switch c {
	case CodeSuccess, CodeNoCapacity, CodeInvalidCommand, CodeTimeout, CodeMalformed,
		CodeNotFound, CodeInvalidSession, CodeInvalidState, CodeConflict, CodeBackendFailure:
		return true
	}
	return false
}
