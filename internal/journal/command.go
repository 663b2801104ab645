package journal

import (
	"encoding/binary"
	"fmt"

	"pkt.systems/rtnode/internal/path"
	"pkt.systems/rtnode/internal/resourceid"
)

// Phase identifies a program segment. Phases double as bits in the program
// header's phase mask.
type Phase uint8

const (
	// PhaseCommit must fully apply before a transaction is durable.
	PhaseCommit Phase = 1 << iota
	// PhaseCleanup reclaims space after commit and may fail independently.
	PhaseCleanup
)

func (p Phase) String() string {
	switch p {
	case PhaseCommit:
		return "commit"
	case PhaseCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Instruction is a single journal operation.
type Instruction uint8

const (
	Noop Instruction = iota
	UnlinkFSPath
	UnlinkRTPath
	LinkNewResource
	UpdateResource
	AddPath
	AddResourceID
	LinkResourceToRTPath
	RemoveResource
	instructionCount
)

var instructionNames = [...]string{
	Noop:                 "NOOP",
	UnlinkFSPath:         "UNLINK_FS_PATH",
	UnlinkRTPath:         "UNLINK_RT_PATH",
	LinkNewResource:      "LINK_NEW_RESOURCE",
	UpdateResource:       "UPDATE_RESOURCE",
	AddPath:              "ADD_PATH",
	AddResourceID:        "ADD_RESOURCE_ID",
	LinkResourceToRTPath: "LINK_RESOURCE_TO_RT_PATH",
	RemoveResource:       "REMOVE_RESOURCE",
}

func (i Instruction) String() string {
	if i < instructionCount {
		return instructionNames[i]
	}
	return fmt.Sprintf("INSTRUCTION(%d)", uint8(i))
}

// ParamType tags a command parameter.
type ParamType uint8

const (
	ParamFSPath ParamType = iota + 1
	ParamRTPath
	ParamResourceID
	ParamBytes
)

// Param is one typed command argument.
type Param struct {
	Type  ParamType
	Value []byte
}

// FSPathParam references a file relative to the store root.
func FSPathParam(rel string) Param { return Param{Type: ParamFSPath, Value: []byte(rel)} }

// RTPathParam references a resource path.
func RTPathParam(p path.Path) Param { return Param{Type: ParamRTPath, Value: []byte(p.String())} }

// ResourceIDParam references a resource id.
func ResourceIDParam(id resourceid.ID) Param {
	return Param{Type: ParamResourceID, Value: id.Bytes()}
}

// BytesParam carries opaque bytes.
func BytesParam(b []byte) Param { return Param{Type: ParamBytes, Value: b} }

// FSPath decodes a ParamFSPath.
func (p Param) FSPath() (string, error) {
	if p.Type != ParamFSPath {
		return "", corrupt("expected fs path parameter, got type %d", p.Type)
	}
	return string(p.Value), nil
}

// RTPath decodes a ParamRTPath.
func (p Param) RTPath() (path.Path, error) {
	if p.Type != ParamRTPath {
		return path.Path{}, corrupt("expected rt path parameter, got type %d", p.Type)
	}
	parsed, err := path.Parse(string(p.Value))
	if err != nil {
		return path.Path{}, corrupt("rt path parameter: %v", err)
	}
	return parsed, nil
}

// ResourceID decodes a ParamResourceID.
func (p Param) ResourceID() (resourceid.ID, error) {
	if p.Type != ParamResourceID {
		return resourceid.Zero, corrupt("expected resource id parameter, got type %d", p.Type)
	}
	id, err := resourceid.FromBytes(p.Value)
	if err != nil {
		return resourceid.Zero, corrupt("resource id parameter: %v", err)
	}
	return id, nil
}

// Command is one instruction with its parameters.
type Command struct {
	Phase       Phase
	Instruction Instruction
	Params      []Param
}

const (
	commandHeaderSize = 5
	paramHeaderSize   = 3
	maxCommandSize    = 0xFFFF
	maxParams         = 0xFF
)

func (c Command) encodedSize() int {
	n := commandHeaderSize
	for _, p := range c.Params {
		n += paramHeaderSize + len(p.Value)
	}
	return n
}

// appendCommand encodes c:
//
//	length uint16 | phase uint8 | instruction uint8 | paramCount uint8
//	then per parameter: type uint8 | length uint16 | bytes
func appendCommand(dst []byte, c Command) ([]byte, error) {
	size := c.encodedSize()
	if size > maxCommandSize {
		return dst, fmt.Errorf("journal: %s command too large (%d bytes)", c.Instruction, size)
	}
	if len(c.Params) > maxParams {
		return dst, fmt.Errorf("journal: %s command has too many parameters", c.Instruction)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(size))
	dst = append(dst, byte(c.Phase), byte(c.Instruction), byte(len(c.Params)))
	for _, p := range c.Params {
		dst = append(dst, byte(p.Type))
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(p.Value)))
		dst = append(dst, p.Value...)
	}
	return dst, nil
}

// decodeCommands parses a whole segment. Every command must belong to phase.
func decodeCommands(seg []byte, phase Phase) ([]Command, error) {
	var out []Command
	for off := 0; off < len(seg); {
		if len(seg)-off < commandHeaderSize {
			return nil, corrupt("%s segment: truncated command header at %d", phase, off)
		}
		size := int(binary.BigEndian.Uint16(seg[off:]))
		if size < commandHeaderSize || off+size > len(seg) {
			return nil, corrupt("%s segment: command at %d declares %d bytes", phase, off, size)
		}
		cmd := Command{
			Phase:       Phase(seg[off+2]),
			Instruction: Instruction(seg[off+3]),
		}
		if cmd.Phase != phase {
			return nil, corrupt("%s segment: command at %d belongs to %s", phase, off, cmd.Phase)
		}
		if cmd.Instruction >= instructionCount {
			return nil, corrupt("%s segment: unknown instruction %d", phase, uint8(cmd.Instruction))
		}
		count := int(seg[off+4])
		body := seg[off+commandHeaderSize : off+size]
		for i := 0; i < count; i++ {
			if len(body) < paramHeaderSize {
				return nil, corrupt("%s segment: truncated parameter %d of %s", phase, i, cmd.Instruction)
			}
			plen := int(binary.BigEndian.Uint16(body[1:3]))
			if paramHeaderSize+plen > len(body) {
				return nil, corrupt("%s segment: parameter %d of %s overruns command", phase, i, cmd.Instruction)
			}
			value := make([]byte, plen)
			copy(value, body[paramHeaderSize:paramHeaderSize+plen])
			cmd.Params = append(cmd.Params, Param{Type: ParamType(body[0]), Value: value})
			body = body[paramHeaderSize+plen:]
		}
		if len(body) != 0 {
			return nil, corrupt("%s segment: %d trailing bytes in %s", phase, len(body), cmd.Instruction)
		}
		out = append(out, cmd)
		off += size
	}
	return out, nil
}
