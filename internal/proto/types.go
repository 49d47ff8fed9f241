package proto

import (
	"fmt"
	"strings"

	"github.com/matst80/neogrok/internal/compress"
)

// Role fixes which side of the control connection a codec serves. The same
// packet type code means different frames depending on it (Ping/PingResponse,
// ServerRequest/ServerResponse).
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// PacketType is the upper five bits of the header byte.
//
//	0 Ping / PingResponse
//	1 Error
//	2 Connect
//	3 Forward
//	4 Disconnect
//	5 ServerRequest / ServerResponse
//	6 AuthThroughMagic
//	7 UpdateRights
type PacketType uint8

const (
	TypePing         PacketType = 0
	TypeError        PacketType = 1
	TypeConnect      PacketType = 2
	TypeForward      PacketType = 3
	TypeDisconnect   PacketType = 4
	TypeServer       PacketType = 5
	TypeAuthMagic    PacketType = 6
	TypeUpdateRights PacketType = 7
)

var packetTypeNames = [...]string{
	"ping", "error", "connect", "forward", "disconnect", "server", "auth_magic", "update_rights",
}

func (t PacketType) String() string {
	if int(t) < len(packetTypeNames) {
		return packetTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Flags is the lower three bits of the header byte.
type Flags uint8

const (
	FlagShort      Flags = 1 << 0
	FlagShort2     Flags = 1 << 1
	FlagCompressed Flags = 1 << 2

	flagMask = FlagShort | FlagShort2 | FlagCompressed
)

func (f Flags) Has(o Flags) bool { return f&o == o }

func encodeHeader(t PacketType, f Flags) byte {
	return byte(t)<<3 | byte(f&flagMask)
}

func decodeHeader(b byte) (PacketType, Flags) {
	return PacketType(b >> 3), Flags(b) & flagMask
}

// Protocol is the transport requested for a public server.
type Protocol uint8

const (
	ProtocolTCP Protocol = 0
	ProtocolUDP Protocol = 1
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// Rights is the capability bitset granted to a control session.
//
//	bit0 CreateTcp  bit1 SelectTcp
//	bit2 CreateUdp  bit3 SelectUdp
//	bit4 CreateHttp bit5 SelectHttp
type Rights uint8

const (
	CanCreateTCP Rights = 1 << iota
	CanSelectTCP
	CanCreateUDP
	CanSelectUDP
	CanCreateHTTP
	CanSelectHTTP

	AllRights = CanCreateTCP | CanSelectTCP | CanCreateUDP | CanSelectUDP | CanCreateHTTP | CanSelectHTTP
)

var rightNames = [...]string{"create_tcp", "select_tcp", "create_udp", "select_udp", "create_http", "select_http"}

// ParseRights rejects values with bits outside AllRights.
func ParseRights(b uint8) (Rights, error) {
	if Rights(b)&^AllRights != 0 {
		return 0, &DecodeError{Reason: ErrInvalidRights, Value: b}
	}
	return Rights(b), nil
}

// AllowedTo reports whether every bit of required is held.
func (r Rights) AllowedTo(required Rights) bool {
	return r&required == required
}

func (r Rights) String() string {
	if r == 0 {
		return "none"
	}
	var parts []string
	for i, name := range rightNames {
		if r&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// RequiredRights returns the rights needed to create a server for protocol,
// including the select right when a specific port is requested.
func RequiredRights(p Protocol, port uint16) Rights {
	var create, sel Rights
	switch p {
	case ProtocolUDP:
		create, sel = CanCreateUDP, CanSelectUDP
	default:
		create, sel = CanCreateTCP, CanSelectTCP
	}
	if port != 0 {
		return create | sel
	}
	return create
}

// ErrorCode is the body of an Error frame. It implements error so a received
// code can be returned directly.
type ErrorCode uint8

const (
	NotImplemented ErrorCode = iota
	AccessDenied
	InvalidCredentials
	UnexpectedFrame
	UnknownFrame
	FailedToCreateServer
	ServerIsNotCreated
	NoSuchClient
)

var errorCodeText = [...]string{
	"functionality is not implemented",
	"no access to this command",
	"invalid credentials specified",
	"unexpected frame sent",
	"unknown frame sent",
	"failed to create server with specified properties",
	"server is not created",
	"no such client",
}

func ParseErrorCode(b uint8) (ErrorCode, error) {
	if int(b) >= len(errorCodeText) {
		return 0, &DecodeError{Reason: ErrInvalidErrorCode, Value: b}
	}
	return ErrorCode(b), nil
}

func (c ErrorCode) Error() string {
	if int(c) < len(errorCodeText) {
		return errorCodeText[c]
	}
	return fmt.Sprintf("unknown error code %d", uint8(c))
}

// Compression is the descriptor negotiated in PingResponse.
type Compression struct {
	Algorithm compress.Algorithm
	Level     uint8
}

func (c Compression) String() string {
	return fmt.Sprintf("%s:%d", c.Algorithm, c.Level)
}
