// Package storage defines where generated assets are uploaded.
//
// Uploads are content addressed: the object key is derived from the bytes,
// so repeating an upload after a crash writes the same object and returns
// the same reference.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrEmptyObject is returned when asked to upload zero bytes.
var ErrEmptyObject = errors.New("object is empty")

// Uploader stores an object and returns a stable reference to it.
type Uploader interface {
	// Put stores data under key unless an object already exists there.
	// It returns the reference recorded as the job's result.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ObjectKey returns assets/<sha256(data)>.<ext>.
func ObjectKey(data []byte, ext string) string {
	sum := sha256.Sum256(data)
	return "assets/" + hex.EncodeToString(sum[:]) + "." + ext
}
