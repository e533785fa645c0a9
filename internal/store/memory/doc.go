// Package memory provides in-process implementations of the job and session
// stores. They honour the same contracts as the Postgres stores, including
// versioned conditional updates, and back the unit tests of every package
// that depends on a store.
package memory
