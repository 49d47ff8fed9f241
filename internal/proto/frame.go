package proto

// Frame is one protocol message. The concrete types below are the closed set
// of variants.
type Frame interface {
	PacketType() PacketType
}

// Ping is sent by the client to open the handshake.
type Ping struct{}

// PingResponse carries the relay name and the compression both ends switch to.
type PingResponse struct {
	Name        string
	Compression Compression
}

// ServerRequest asks the relay to open a public listener. Port 0 means any.
type ServerRequest struct {
	Port     uint16
	Protocol Protocol
}

type ServerResponse struct {
	Port uint16
}

type AuthThroughMagic struct {
	Magic string
}

type UpdateRights struct {
	Rights Rights
}

type Connect struct {
	ID uint16
}

type Disconnect struct {
	ID uint16
}

// Forward carries raw application bytes for one multiplexed connection.
type Forward struct {
	ID      uint16
	Payload []byte
}

// ErrorFrame reports a protocol-level failure to the peer.
type ErrorFrame struct {
	Code ErrorCode
}

func (Ping) PacketType() PacketType             { return TypePing }
func (PingResponse) PacketType() PacketType     { return TypePing }
func (ServerRequest) PacketType() PacketType    { return TypeServer }
func (ServerResponse) PacketType() PacketType   { return TypeServer }
func (AuthThroughMagic) PacketType() PacketType { return TypeAuthMagic }
func (UpdateRights) PacketType() PacketType     { return TypeUpdateRights }
func (Connect) PacketType() PacketType          { return TypeConnect }
func (Disconnect) PacketType() PacketType       { return TypeDisconnect }
func (Forward) PacketType() PacketType          { return TypeForward }
func (ErrorFrame) PacketType() PacketType       { return TypeError }

// FrameName is a short label for logs and metrics that, unlike PacketType,
// tells the role-dependent variants apart.
func FrameName(f Frame) string {
	switch f.(type) {
	case Ping:
		return "ping"
	case PingResponse:
		return "ping_response"
	case ServerRequest:
		return "server_request"
	case ServerResponse:
		return "server_response"
	default:
		return f.PacketType().String()
	}
}
