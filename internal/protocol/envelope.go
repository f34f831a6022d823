package protocol

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/schema"
)

// Envelope is the typed container carried as one frame payload.
type Envelope struct {
	MsgID       string  `json:"MsgId"`
	SentTimeUTC UTCTime `json:"SentTimeUTC"`
	Data        string  `json:"Data"`
	Channel     string  `json:"Channel"`
	Scope       string  `json:"Scope"`
	MessageType string  `json:"MessageType"`
	Props       Props   `json:"Props"`
}

// Is reports whether the envelope carries messageType, ignoring case.
func (e Envelope) Is(messageType string) bool {
	return schema.IsType(e.MessageType, messageType)
}

// Reserved reports whether the engine consumes this envelope itself.
func (e Envelope) Reserved() bool {
	return schema.IsReserved(e.MessageType)
}

// CorrelationID returns the correlation id prop, if any.
func (e Envelope) CorrelationID() string {
	v, _ := e.Props.Get(schema.PropCorrelationID)
	return v
}

// Sequence hands out sender-local monotonic MsgIds.
type Sequence struct {
	n atomic.Uint64
}

func (s *Sequence) Next() string {
	return strconv.FormatUint(s.n.Add(1), 10)
}

// NewEnvelope stamps a fresh envelope with the next MsgId and the current time.
func NewEnvelope(seq *Sequence, messageType, data string) Envelope {
	env := Envelope{
		SentTimeUTC: UTCTime{Time: time.Now().UTC()},
		MessageType: strings.TrimSpace(messageType),
		Data:        data,
		Props:       Props{},
	}
	if seq != nil {
		env.MsgID = seq.Next()
	}
	return env
}
