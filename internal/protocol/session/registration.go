package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/schema"
)

var (
	ErrInvalidRegistration      = errors.New("session: invalid registration")
	ErrInvalidRegistrationReply = errors.New("session: invalid registration reply")
	ErrMissingIdentity          = errors.New("session: missing connection or device id")
	ErrConnectionIDChanged      = errors.New("session: connection id changed")
	ErrDeviceIDChanged          = errors.New("session: device id changed")
	ErrInvalidLibVersion        = errors.New("session: invalid lib version")
	ErrMissingAppIdentity       = errors.New("session: app id and app version required")
	ErrAppIDChanged             = errors.New("session: app id changed")
	ErrLibVersionDowngrade      = errors.New("session: lib version downgraded below pinned")
)

// LoopbackMode selects server-side echo for a registered connection.
type LoopbackMode string

const (
	LoopbackOff LoopbackMode = schema.LoopbackOff
	LoopbackAll LoopbackMode = schema.LoopbackRawMsg
)

// Capabilities is the typed view of the Props carried by connregister.
type Capabilities struct {
	LibVersion       int
	AppID            string
	AppVersion       string
	Language         string
	RuntimeID        string
	Pid              int
	Loopback         LoopbackMode
	KeepaliveEnabled bool

	// rawLibVersion is what the peer sent; empty means unversioned (v1).
	rawLibVersion string
}

// Registration is one connregister request.
type Registration struct {
	ConnectionID string `json:"ConnectionId"`
	DeviceID     string `json:"DeviceId"`
	UserID       string `json:"UserId,omitempty"`

	Caps Capabilities `json:"-"`
}

// RegistrationReply is the server's answer to connregister.
type RegistrationReply struct {
	ConnectionID      string `json:"ConnectionId"`
	PriorConnectionID string `json:"PriorConnectionId"`
}

func (r RegistrationReply) Validate() error {
	if strings.TrimSpace(r.ConnectionID) == "" {
		return fmt.Errorf("%w: missing ConnectionId", ErrInvalidRegistrationReply)
	}
	return nil
}

// DefaultCapabilities is what an unversioned peer implicitly declares.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		LibVersion:       schema.MinLibVersion,
		Language:         schema.DefaultLanguage,
		Loopback:         LoopbackOff,
		KeepaliveEnabled: true,
	}
}

// ParseCapabilities reads capability Props. LibVersion range is checked by Validate.
func ParseCapabilities(props protocol.Props) Capabilities {
	caps := DefaultCapabilities()
	m := props.Map()
	get := func(key string) string { return m[strings.ToLower(key)] }

	caps.AppID = get(schema.PropAppID)
	caps.AppVersion = get(schema.PropAppVersion)
	caps.RuntimeID = get(schema.PropRuntimeID)
	if lang := get(schema.PropLanguage); lang != "" {
		caps.Language = lang
	}
	if pid, err := strconv.Atoi(get(schema.PropPid)); err == nil {
		caps.Pid = pid
	}
	caps.rawLibVersion = get(schema.PropLibVersion)
	if v, err := strconv.Atoi(caps.rawLibVersion); err == nil {
		caps.LibVersion = v
	}
	if strings.EqualFold(get(schema.PropLoopback), schema.LoopbackRawMsg) {
		caps.Loopback = LoopbackAll
	}
	if strings.EqualFold(get(schema.PropKeepalive), schema.KeepaliveOff) {
		caps.KeepaliveEnabled = false
	}
	return caps
}

// Props renders capabilities back to the wire list.
func (c Capabilities) Props() protocol.Props {
	lib := c.rawLibVersion
	if lib == "" {
		lib = strconv.Itoa(c.LibVersion)
	}
	props := protocol.Props{}
	props = props.With(schema.PropLibVersion, lib)
	if c.AppID != "" {
		props = props.With(schema.PropAppID, c.AppID)
	}
	if c.AppVersion != "" {
		props = props.With(schema.PropAppVersion, c.AppVersion)
	}
	if c.Language != "" {
		props = props.With(schema.PropLanguage, c.Language)
	}
	if c.RuntimeID != "" {
		props = props.With(schema.PropRuntimeID, c.RuntimeID)
	}
	if c.Pid != 0 {
		props = props.With(schema.PropPid, strconv.Itoa(c.Pid))
	}
	loopback := schema.LoopbackOff
	if c.Loopback == LoopbackAll {
		loopback = schema.LoopbackRawMsg
	}
	props = props.With(schema.PropLoopback, loopback)
	keepalive := schema.KeepaliveOn
	if !c.KeepaliveEnabled {
		keepalive = schema.KeepaliveOff
	}
	return props.With(schema.PropKeepalive, keepalive)
}

// Validate checks the capability rules that do not depend on prior state.
func (c Capabilities) Validate() error {
	if c.rawLibVersion != "" {
		v, err := strconv.Atoi(strings.TrimSpace(c.rawLibVersion))
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidLibVersion, c.rawLibVersion)
		}
		c.LibVersion = v
	}
	if c.LibVersion < schema.MinLibVersion || c.LibVersion > schema.MaxLibVersion {
		return fmt.Errorf("%w: %d", ErrInvalidLibVersion, c.LibVersion)
	}
	if c.LibVersion >= 2 {
		if strings.TrimSpace(c.AppID) == "" || strings.TrimSpace(c.AppVersion) == "" {
			return ErrMissingAppIdentity
		}
	}
	return nil
}

// WithLibVersion sets the declared version as the peer would write it.
func (c Capabilities) WithLibVersion(raw string) Capabilities {
	c.rawLibVersion = strings.TrimSpace(raw)
	if v, err := strconv.Atoi(c.rawLibVersion); err == nil {
		c.LibVersion = v
	}
	return c
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.ConnectionID) == "" || strings.TrimSpace(r.DeviceID) == "" {
		return ErrMissingIdentity
	}
	return r.Caps.Validate()
}

// Envelope builds the connregister message for r.
func (r Registration) Envelope(seq *protocol.Sequence) (protocol.Envelope, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return protocol.Envelope{}, err
	}
	env := protocol.NewEnvelope(seq, schema.MsgConnRegister, string(data))
	env.Props = r.Caps.Props()
	return env, nil
}

// ParseRegistration reads a connregister envelope. Identity rules are not applied here.
func ParseRegistration(env protocol.Envelope) (Registration, error) {
	if !env.Is(schema.MsgConnRegister) {
		return Registration{}, fmt.Errorf("%w: unexpected type %q", ErrInvalidRegistration, env.MessageType)
	}
	var reg Registration
	if strings.TrimSpace(env.Data) != "" {
		if err := json.Unmarshal([]byte(env.Data), &reg); err != nil {
			return Registration{}, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
		}
	}
	// Older peers carry identity in Props only.
	if reg.ConnectionID == "" {
		reg.ConnectionID, _ = env.Props.Get(schema.PropConnectionID)
	}
	if reg.DeviceID == "" {
		reg.DeviceID, _ = env.Props.Get(schema.PropDeviceID)
	}
	if reg.UserID == "" {
		reg.UserID, _ = env.Props.Get(schema.PropUserID)
	}
	reg.ConnectionID = strings.TrimSpace(reg.ConnectionID)
	reg.DeviceID = strings.TrimSpace(reg.DeviceID)
	reg.UserID = strings.TrimSpace(reg.UserID)
	reg.Caps = ParseCapabilities(env.Props)
	return reg, nil
}

// Envelope builds the connregisterreply message for r.
func (r RegistrationReply) Envelope(seq *protocol.Sequence) (protocol.Envelope, error) {
	if err := r.Validate(); err != nil {
		return protocol.Envelope{}, err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return protocol.Envelope{}, err
	}
	env := protocol.NewEnvelope(seq, schema.MsgConnRegisterReply, string(data))
	env.Props = env.Props.
		With(schema.PropConnectionID, r.ConnectionID).
		With(schema.PropPriorConnectionID, r.PriorConnectionID)
	return env, nil
}

func ParseRegistrationReply(env protocol.Envelope) (RegistrationReply, error) {
	if !env.Is(schema.MsgConnRegisterReply) {
		return RegistrationReply{}, fmt.Errorf("%w: unexpected type %q", ErrInvalidRegistrationReply, env.MessageType)
	}
	var reply RegistrationReply
	if strings.TrimSpace(env.Data) != "" {
		if err := json.Unmarshal([]byte(env.Data), &reply); err != nil {
			return RegistrationReply{}, fmt.Errorf("%w: %v", ErrInvalidRegistrationReply, err)
		}
	}
	if reply.ConnectionID == "" {
		reply.ConnectionID, _ = env.Props.Get(schema.PropConnectionID)
	}
	if reply.PriorConnectionID == "" {
		reply.PriorConnectionID, _ = env.Props.Get(schema.PropPriorConnectionID)
	}
	if err := reply.Validate(); err != nil {
		return RegistrationReply{}, err
	}
	return reply, nil
}
