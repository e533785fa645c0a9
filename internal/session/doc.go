// Package session tracks live client sessions and delivers job outcomes to
// them.
//
// The Coordinator owns the session state machine (connecting, active,
// draining, closed) and decides who hears about a job: every session the job
// is attached to plus the session it was submitted from. Only active
// sessions receive events; the rest can poll the job or get a replay when
// they become active again. Delivery goes through the broker's session
// channels so that any gateway instance holding the connection can forward
// it.
//
// The Hub is the websocket transport. It drives Connect, Ready and
// Disconnect from connection lifecycle and forwards channel events to the
// client.
package session
