// Package endpoint is the per-connection protocol engine.
//
// One Endpoint owns one Transport. It runs the receive loop state machine,
// funnels every outgoing frame through a single write slot, answers ping and
// connregister in-band, supervises liveness, and hands application envelopes
// to the default or a named channel handler.
//
// Receive loop states:
//
//	Initialized -> NewlyOpened -> Open -> Closed | Lost | Error
//
// Terminal states never change. Closed is a local stop and never raises the
// lost-connection callback; Lost and Error are detected breaks and raise it
// exactly once.
package endpoint
