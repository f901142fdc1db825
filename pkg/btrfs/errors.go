package btrfs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies engine failures. Every command returns either a
// value or an error carrying exactly one of these codes.
type ErrorCode int

const (
	// ErrCodeUnknown indicates an unclassified error.
	ErrCodeUnknown ErrorCode = iota
	// ErrCodeNotBtrfs indicates no BTRFS signature was found.
	ErrCodeNotBtrfs
	// ErrCodeCorruptFilesystem indicates the signature is present but
	// structural or checksum validation failed.
	ErrCodeCorruptFilesystem
	// ErrCodeIOFailure indicates the device was unreadable or timed out.
	ErrCodeIOFailure
	// ErrCodeVolumeNotFound indicates a volume lookup miss.
	ErrCodeVolumeNotFound
	// ErrCodeSubvolumeNotFound indicates a subvolume lookup miss.
	ErrCodeSubvolumeNotFound
	// ErrCodeMountPointInUse indicates the mount point already hosts a session,
	// or the volume already has a write session.
	ErrCodeMountPointInUse
	// ErrCodeSessionBusy indicates an unmount could not drain in time.
	ErrCodeSessionBusy
	// ErrCodeSubvolumeBusy indicates a delete was blocked by a live mount.
	ErrCodeSubvolumeBusy
	// ErrCodeDriverUnavailable indicates the host filesystem driver is missing.
	ErrCodeDriverUnavailable
	// ErrCodeNotMounted indicates no session exists at the mount point.
	ErrCodeNotMounted
	// ErrCodeNotFound indicates a generic lookup miss (files, snapshots).
	ErrCodeNotFound
	// ErrCodeReadOnly indicates a write against a read-only session or device.
	ErrCodeReadOnly
	// ErrCodeNotSupported indicates an operation outside the supported surface.
	ErrCodeNotSupported
	// ErrCodeInvalidArgument indicates a malformed request.
	ErrCodeInvalidArgument
	// ErrCodeNoSpace indicates a tree leaf has no room for new items.
	ErrCodeNoSpace
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeNotBtrfs:          "NotBtrfs",
	ErrCodeCorruptFilesystem: "CorruptFilesystem",
	ErrCodeIOFailure:         "IoFailure",
	ErrCodeVolumeNotFound:    "VolumeNotFound",
	ErrCodeSubvolumeNotFound: "SubvolumeNotFound",
	ErrCodeMountPointInUse:   "MountPointInUse",
	ErrCodeSessionBusy:       "SessionBusy",
	ErrCodeSubvolumeBusy:     "SubvolumeBusy",
	ErrCodeDriverUnavailable: "DriverUnavailable",
	ErrCodeNotMounted:        "NotMounted",
	ErrCodeNotFound:          "NotFound",
	ErrCodeReadOnly:          "ReadOnly",
	ErrCodeNotSupported:      "NotSupported",
	ErrCodeInvalidArgument:   "InvalidArgument",
	ErrCodeNoSpace:           "NoSpace",
}

// String returns the error kind name used in the command contract.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return "Unknown"
}

// Error lets a bare code act as a sentinel for errors.Is.
func (c ErrorCode) Error() string {
	return c.String()
}

// Error is the concrete error type returned by the engine.
type Error struct {
	Code ErrorCode
	Op   string // operation that failed, e.g. "read superblock"
	Path string // device path, mount point or subvolume path
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(e.Path)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(e.Code.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare ErrorCode, so errors.Is(err, ErrCodeNotBtrfs) works
// through any amount of wrapping.
func (e *Error) Is(target error) bool {
	if c, ok := target.(ErrorCode); ok {
		return e.Code == c
	}
	return false
}

// NewError builds an Error for op on path.
func NewError(code ErrorCode, op, path string, err error) *Error {
	return &Error{Code: code, Op: op, Path: path, Err: err}
}

// Errorf builds an Error whose cause is a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the error kind from err. Errors that carry no code are
// reported as ErrCodeUnknown, nil as ErrCodeUnknown as well.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c ErrorCode
	if errors.As(err, &c) {
		return c
	}
	return ErrCodeUnknown
}

// IsErrorCode checks if an error has the specified error code.
func IsErrorCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
