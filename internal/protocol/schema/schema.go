package schema

import "strings"

// Reserved message types handled inside the engine. Matching is case-insensitive.
const (
	MsgPing              = "ping"
	MsgPong              = "pong"
	MsgConnRegister      = "connregister"
	MsgConnRegisterReply = "connregisterreply"
)

// Scope values carried on an envelope.
const (
	ScopeNone     = ""
	ScopeLoopback = "loopback"
)

// Props keys understood by the registration handshake.
const (
	PropConnectionID      = "ConnectionId"
	PropDeviceID          = "DeviceId"
	PropUserID            = "UserId"
	PropPriorConnectionID = "PriorConnectionId"
	PropAppID             = "AppId"
	PropAppVersion        = "AppVersion"
	PropLanguage          = "Language"
	PropRuntimeID         = "RuntimeId"
	PropPid               = "Pid"
	PropLibVersion        = "TcpLibVersion"
	PropLoopback          = "Loopback"
	PropKeepalive         = "Keepalive"
	PropCorrelationID     = "CorrelationId"
)

// Values for PropLoopback and PropKeepalive.
const (
	LoopbackRawMsg = "rawmsg"
	LoopbackOff    = "off"
	KeepaliveOn    = "on"
	KeepaliveOff   = "off"
)

const (
	DefaultLanguage   = "en-us"
	DefaultLibVersion = "1"
	MinLibVersion     = 1
	MaxLibVersion     = 2
)

var reserved = []string{MsgPing, MsgPong, MsgConnRegister, MsgConnRegisterReply}

// IsType reports whether messageType names want, ignoring case and padding.
func IsType(messageType, want string) bool {
	return strings.EqualFold(strings.TrimSpace(messageType), want)
}

// IsReserved reports whether messageType is consumed by the engine.
func IsReserved(messageType string) bool {
	for _, name := range reserved {
		if IsType(messageType, name) {
			return true
		}
	}
	return false
}
