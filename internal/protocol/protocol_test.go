package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/schema"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func TestEnvelopeFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	var seq Sequence
	in := NewEnvelope(&seq, "TestMessage", `"Hello"`)
	in.Channel = "chat"
	in.Scope = schema.ScopeLoopback
	in.Props = in.Props.With(schema.PropCorrelationID, "corr-1").With("x", "y=z")

	body, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	payload, err := frame.NewReader(bytes.NewReader(frame.Encode(body)), frame.DefaultLimits(), 0).Next()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	out, err := Unmarshal(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.MsgID != "1" || out.MessageType != in.MessageType || out.Data != in.Data {
		t.Fatalf("envelope mismatch got=%+v want=%+v", out, in)
	}
	if out.Channel != "chat" || out.Scope != schema.ScopeLoopback {
		t.Fatalf("routing mismatch got=%+v", out)
	}
	if !out.SentTimeUTC.Equal(in.SentTimeUTC.Time) {
		t.Fatalf("time mismatch got=%v want=%v", out.SentTimeUTC, in.SentTimeUTC)
	}
	if len(out.Props) != 2 || out.CorrelationID() != "corr-1" {
		t.Fatalf("props mismatch got=%v", out.Props)
	}
	if v, _ := out.Props.Get("x"); v != "y=z" {
		t.Fatalf("prop value split wrong got=%q", v)
	}
}

func TestUnmarshalNullDataAndProps(t *testing.T) {
	testlog.Start(t)
	env, err := Unmarshal([]byte(`{"MsgId":"7","MessageType":"Ping","Data":null,"Props":null}`))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Data != "" || env.Props == nil {
		t.Fatalf("expected empty data and non-nil props, got %+v", env)
	}
	if !env.Is(schema.MsgPing) || !env.Reserved() {
		t.Fatalf("expected reserved ping, got type=%q", env.MessageType)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	testlog.Start(t)
	_, err := Unmarshal([]byte(`{"MsgId":`))
	if !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestUnmarshalRequiresMessageType(t *testing.T) {
	testlog.Start(t)
	for _, raw := range []string{`null`, `{}`, `{"Data":"x"}`, `{"MessageType":"  ","Data":"x"}`} {
		if _, err := Unmarshal([]byte(raw)); !errors.Is(err, ErrMissingType) {
			t.Fatalf("payload=%s expected ErrMissingType, got %v", raw, err)
		}
	}
}

func TestUTCTimeAcceptsPeerLayouts(t *testing.T) {
	testlog.Start(t)
	for _, raw := range []string{
		`"2024-03-01T10:20:30Z"`,
		`"2024-03-01T10:20:30.1234567"`,
		`"2024-03-01T12:20:30+02:00"`,
	} {
		var ts UTCTime
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if ts.Hour() != 10 || ts.Location() != time.UTC {
			t.Fatalf("parse %s got=%v", raw, ts.Time)
		}
	}
	var ts UTCTime
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("expected ErrInvalidTime, got %v", err)
	}
}

func TestPropsSeparatorsAndReplace(t *testing.T) {
	testlog.Start(t)
	p := Props{"AppId:demo", "pid=42", "junk", ":novalue"}
	if v, ok := p.Get("appid"); !ok || v != "demo" {
		t.Fatalf("AppId got=%q ok=%v", v, ok)
	}
	if v, ok := p.Get("Pid"); !ok || v != "42" {
		t.Fatalf("Pid got=%q ok=%v", v, ok)
	}
	p = p.With("Pid", "43")
	if v, _ := p.Get("pid"); v != "43" {
		t.Fatalf("replaced Pid got=%q", v)
	}
	m := p.Map()
	if len(m) != 2 || m["appid"] != "demo" {
		t.Fatalf("unexpected map: %v", m)
	}
}

func TestSequenceIsMonotonic(t *testing.T) {
	testlog.Start(t)
	var seq Sequence
	a, b := seq.Next(), seq.Next()
	if a != "1" || b != "2" {
		t.Fatalf("unexpected ids a=%q b=%q", a, b)
	}
}
