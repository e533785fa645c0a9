// Package service contains the gateway use cases: admitting job
// submissions, reporting job status and checking the health of the
// components the gateway depends on.
//
// The service layer coordinates the job store, the broker and the dedup
// cache but depends only on their interfaces, so the HTTP layer and tests
// can run it against in-memory implementations.
//
// Error handling:
//   - Expected conditions are returned as sentinel errors (ErrJobNotFound)
//     or domain error types (ValidationError, CapacityError) that callers
//     check with errors.Is/errors.As.
//   - Unexpected failures are wrapped in JobServiceError with the operation
//     that failed.
//   - The API layer maps these to HTTP status codes.
package service
