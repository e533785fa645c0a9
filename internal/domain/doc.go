// Package domain contains the core entities of the job orchestration layer:
// jobs and their status machine, voice sessions, and the error taxonomy
// every stage uses to classify failures. It has no infrastructure
// dependencies and is shared by the store, broker, worker, and gateway.
package domain
