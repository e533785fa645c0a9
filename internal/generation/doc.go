// Package generation defines the boundary between the worker pipeline and
// external content generation services. A Generator turns a job payload into
// an Asset; implementations live under internal/platform (Gemini).
package generation
