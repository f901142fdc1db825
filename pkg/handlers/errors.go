package handlers

import (
	"connectrpc.com/connect"

	"github.com/elee1766/btrmount/pkg/api/apiv1"
	"github.com/elee1766/btrmount/pkg/btrfs"
)

// connectCode maps an error kind to the connect status clients see.
func connectCode(code btrfs.ErrorCode) connect.Code {
	switch code {
	case btrfs.ErrCodeNotFound, btrfs.ErrCodeVolumeNotFound, btrfs.ErrCodeSubvolumeNotFound, btrfs.ErrCodeNotMounted:
		return connect.CodeNotFound
	case btrfs.ErrCodeInvalidArgument, btrfs.ErrCodeNotBtrfs:
		return connect.CodeInvalidArgument
	case btrfs.ErrCodeMountPointInUse:
		return connect.CodeAlreadyExists
	case btrfs.ErrCodeSessionBusy, btrfs.ErrCodeSubvolumeBusy, btrfs.ErrCodeReadOnly:
		return connect.CodeFailedPrecondition
	case btrfs.ErrCodeDriverUnavailable, btrfs.ErrCodeIOFailure:
		return connect.CodeUnavailable
	case btrfs.ErrCodeCorruptFilesystem:
		return connect.CodeDataLoss
	case btrfs.ErrCodeNotSupported:
		return connect.CodeUnimplemented
	case btrfs.ErrCodeNoSpace:
		return connect.CodeResourceExhausted
	}
	return connect.CodeInternal
}

// connectError wraps err for the wire and names its kind in a header.
func connectError(err error) error {
	code := btrfs.CodeOf(err)
	cerr := connect.NewError(connectCode(code), err)
	if code != btrfs.ErrCodeUnknown {
		cerr.Meta().Set(apiv1.ErrorKindHeader, code.String())
	}
	return cerr
}
