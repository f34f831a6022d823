package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/schema"
)

// ClientInfo is the identity/capability snapshot for one connection.
type ClientInfo struct {
	UserID            string
	DeviceID          string
	ConnectionID      string
	Pid               int
	AppID             string
	AppVersion        string
	Language          string
	LibVersion        string
	RuntimeID         string
	ConnectionTimeUTC time.Time
	IsRegistered      bool
	AuthLevel         int

	Loopback         LoopbackMode
	KeepaliveEnabled bool

	// PeerConnectionID is the id the peer first claimed; pinned like DeviceID.
	PeerConnectionID string
	appIDPinned      bool
}

// NewClientInfo starts an unregistered snapshot stamped with connect time.
func NewClientInfo(now time.Time) ClientInfo {
	return ClientInfo{
		ConnectionTimeUTC: now.UTC(),
		Language:          schema.DefaultLanguage,
		LibVersion:        schema.DefaultLibVersion,
		Loopback:          LoopbackOff,
		KeepaliveEnabled:  true,
	}
}

// Apply validates reg against the pinned identity and returns the updated
// snapshot. On error the receiver is unchanged. ConnectionID is not touched:
// the authoritative id is adopted only once the reply has been delivered.
func (c ClientInfo) Apply(reg Registration) (ClientInfo, error) {
	if err := reg.Validate(); err != nil {
		return c, err
	}
	if c.PeerConnectionID != "" &&
		reg.ConnectionID != c.PeerConnectionID &&
		reg.ConnectionID != c.ConnectionID {
		return c, fmt.Errorf("%w: pinned=%q got=%q", ErrConnectionIDChanged, c.PeerConnectionID, reg.ConnectionID)
	}
	if c.DeviceID != "" && reg.DeviceID != c.DeviceID {
		return c, fmt.Errorf("%w: pinned=%q got=%q", ErrDeviceIDChanged, c.DeviceID, reg.DeviceID)
	}
	caps := reg.Caps
	if c.appIDPinned {
		if caps.AppID != c.AppID {
			return c, fmt.Errorf("%w: pinned=%q got=%q", ErrAppIDChanged, c.AppID, caps.AppID)
		}
		if caps.LibVersion < 2 {
			return c, fmt.Errorf("%w: pinned=%s got=%d", ErrLibVersionDowngrade, c.LibVersion, caps.LibVersion)
		}
	}

	next := c
	if next.PeerConnectionID == "" {
		next.PeerConnectionID = reg.ConnectionID
	}
	next.DeviceID = reg.DeviceID
	if reg.UserID != "" {
		next.UserID = reg.UserID
	}
	next.AppID = caps.AppID
	next.AppVersion = caps.AppVersion
	next.RuntimeID = caps.RuntimeID
	next.Pid = caps.Pid
	next.Language = strings.TrimSpace(caps.Language)
	if next.Language == "" {
		next.Language = schema.DefaultLanguage
	}
	next.LibVersion = strconv.Itoa(caps.LibVersion)
	next.Loopback = caps.Loopback
	next.KeepaliveEnabled = caps.KeepaliveEnabled
	if caps.LibVersion >= 2 {
		next.appIDPinned = true
	}
	return next, nil
}

// Adopt marks the snapshot registered under the authoritative id.
func (c ClientInfo) Adopt(connectionID string) ClientInfo {
	c.ConnectionID = connectionID
	c.IsRegistered = true
	return c
}

// ConnectionEntry is the directory projection of one registered connection.
type ConnectionEntry struct {
	ConnectionID      string    `json:"connection_id"`
	DeviceID          string    `json:"device_id"`
	UserID            string    `json:"user_id,omitempty"`
	AppID             string    `json:"app_id,omitempty"`
	AppVersion        string    `json:"app_version,omitempty"`
	Language          string    `json:"language"`
	LibVersion        string    `json:"lib_version"`
	RuntimeID         string    `json:"runtime_id,omitempty"`
	Pid               int       `json:"pid,omitempty"`
	AuthLevel         int       `json:"auth_level"`
	IsRegistered      bool      `json:"is_registered"`
	ConnectionTimeUTC time.Time `json:"connection_time_utc"`
	Host              string    `json:"host"`
	Port              int       `json:"port"`
}

// Entry projects c with host/port placement.
func (c ClientInfo) Entry(host string, port int) ConnectionEntry {
	return ConnectionEntry{
		ConnectionID:      c.ConnectionID,
		DeviceID:          c.DeviceID,
		UserID:            c.UserID,
		AppID:             c.AppID,
		AppVersion:        c.AppVersion,
		Language:          c.Language,
		LibVersion:        c.LibVersion,
		RuntimeID:         c.RuntimeID,
		Pid:               c.Pid,
		AuthLevel:         c.AuthLevel,
		IsRegistered:      c.IsRegistered,
		ConnectionTimeUTC: c.ConnectionTimeUTC,
		Host:              host,
		Port:              port,
	}
}
