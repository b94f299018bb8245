// Package protocol implements the framing shared by Hercules inter-server
// and client links: packet length tables, the standard parse loop over a
// session's read buffer and a writer that encodes straight into the write
// buffer. All packets start with a 2-byte little-endian command.
package protocol

// Commands understood by every Dispatcher.
const (
	PktKeepalive    uint16 = 0x2b23 // link keepalive request
	PktKeepaliveAck uint16 = 0x2b24 // link keepalive answer
	PktVersionReq   uint16 = 0x7530 // server version query
	PktVersionAck   uint16 = 0x7531 // server version answer
)

const (
	// Dynamic marks a packet whose length is carried in the second word.
	Dynamic = -1
	// HeaderSize is the size of the command word.
	HeaderSize = 2
	// DynamicHeaderSize is the size of command plus length word.
	DynamicHeaderSize = 4
	// MaxPacketSize is the largest length a dynamic header can express.
	MaxPacketSize = 0xFFFF
)

// Server types reported in a version answer.
const (
	ServerTypeUnknown uint8 = 0x00
	ServerTypeLogin   uint8 = 0x01
	ServerTypeChar    uint8 = 0x02
	ServerTypeMap     uint8 = 0x04
)

// Version is the payload of PktVersionAck.
//
//	[cmd:2][major:1][minor:1][revision:1][release:1][official:1][type:1][mod:2]
type Version struct {
	Major      uint8  `json:"major"`
	Minor      uint8  `json:"minor"`
	Revision   uint8  `json:"revision"`
	Release    uint8  `json:"release"`
	Official   uint8  `json:"official"`
	ServerType uint8  `json:"server_type"`
	Mod        uint16 `json:"mod"`
}

const versionAckLen = 10

// LengthTable maps commands to their packet length in bytes, or Dynamic.
type LengthTable map[uint16]int

// DefaultLengths returns the lengths of the built-in commands.
func DefaultLengths() LengthTable {
	return LengthTable{
		PktKeepalive:    HeaderSize,
		PktKeepaliveAck: HeaderSize,
		PktVersionReq:   HeaderSize,
		PktVersionAck:   versionAckLen,
	}
}

// Register sets the length of cmd. Fixed lengths below the header size are
// raised to it.
func (t LengthTable) Register(cmd uint16, length int) {
	if length != Dynamic && length < HeaderSize {
		length = HeaderSize
	}
	t[cmd] = length
}

// Len returns the registered length of cmd.
func (t LengthTable) Len(cmd uint16) (int, bool) {
	n, ok := t[cmd]
	return n, ok
}
