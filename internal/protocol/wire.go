package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Marshal encodes env as the UTF-8 JSON frame payload.
func Marshal(env Envelope) ([]byte, error) {
	if env.Props == nil {
		env.Props = Props{}
	}
	return json.Marshal(env)
}

// Unmarshal decodes one frame payload. Data is never null after decode and
// MessageType is never blank.
func Unmarshal(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if strings.TrimSpace(env.MessageType) == "" {
		return Envelope{}, ErrMissingType
	}
	if env.Props == nil {
		env.Props = Props{}
	}
	return env, nil
}
