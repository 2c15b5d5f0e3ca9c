package notes

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidCrdtUpdate indicates that a CRDT update payload is invalid.
	ErrInvalidCrdtUpdate = errors.New("notes: invalid crdt update")
	// ErrInvalidCrdtSnapshot indicates that a CRDT snapshot payload is invalid.
	ErrInvalidCrdtSnapshot = errors.New("notes: invalid crdt snapshot")
)

const (
	errFormatEmpty         = "%w: empty"
	errFormatInvalidBase64 = "%w: invalid base64"
)

// CrdtUpdateBase64 stores a validated base64-encoded CRDT update payload as it
// travels inside JSON frames.
type CrdtUpdateBase64 string

// NewCrdtUpdateBase64 validates raw input and returns a CrdtUpdateBase64.
func NewCrdtUpdateBase64(rawInput string) (CrdtUpdateBase64, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf(errFormatEmpty, ErrInvalidCrdtUpdate)
	}
	if _, err := base64.StdEncoding.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf(errFormatInvalidBase64, ErrInvalidCrdtUpdate)
	}
	return CrdtUpdateBase64(trimmed), nil
}

// EncodeCrdtUpdate wraps raw update bytes.
func EncodeCrdtUpdate(update []byte) CrdtUpdateBase64 {
	return CrdtUpdateBase64(base64.StdEncoding.EncodeToString(update))
}

// Bytes decodes the payload. Values built by the constructors always decode.
func (payload CrdtUpdateBase64) Bytes() []byte {
	decoded, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return nil
	}
	return decoded
}

// String returns the update payload as a string.
func (payload CrdtUpdateBase64) String() string {
	return string(payload)
}

// CrdtSnapshotBase64 stores a validated base64-encoded full document state.
type CrdtSnapshotBase64 string

// NewCrdtSnapshotBase64 validates raw input and returns a CrdtSnapshotBase64.
func NewCrdtSnapshotBase64(rawInput string) (CrdtSnapshotBase64, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf(errFormatEmpty, ErrInvalidCrdtSnapshot)
	}
	if _, err := base64.StdEncoding.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf(errFormatInvalidBase64, ErrInvalidCrdtSnapshot)
	}
	return CrdtSnapshotBase64(trimmed), nil
}

// EncodeCrdtSnapshot wraps raw snapshot bytes.
func EncodeCrdtSnapshot(snapshot []byte) CrdtSnapshotBase64 {
	return CrdtSnapshotBase64(base64.StdEncoding.EncodeToString(snapshot))
}

// Bytes decodes the payload.
func (payload CrdtSnapshotBase64) Bytes() []byte {
	decoded, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return nil
	}
	return decoded
}

// String returns the snapshot payload as a string.
func (payload CrdtSnapshotBase64) String() string {
	return string(payload)
}
