// Package events defines job lifecycle events and a small in-process
// emitter. Workers emit an event whenever a job reaches an outcome a client
// may care about; the session coordinator is registered as a handler and
// forwards the event to the sessions the job is attached to. The same
// JobEvent type is what travels over the broker's session channels.
package events
