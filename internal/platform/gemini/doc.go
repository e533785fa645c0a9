// Package gemini implements generation.Generator on Google's Gemini API.
//
// Each payload kind maps to a prompt template and a system instruction.
// Responses are returned as plain-text assets. API errors are classified
// here: client errors other than timeouts and rate limits are permanent,
// everything else is left transient for the worker to retry.
package gemini
