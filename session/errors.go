package session

import "github.com/tilegw/gateway/gwerr"

// Re-exported for callers that only import session, mirroring the
// adapter package's own re-export of gwerr sentinels.
var (
	ErrDeviceInUse      = gwerr.ErrDeviceInUse
	ErrDeviceNotFound   = gwerr.ErrDeviceNotFound
	ErrNotConnected     = gwerr.ErrNotConnected
	ErrInterfaceNotOpen = gwerr.ErrInterfaceNotOpen
	ErrCancelled        = gwerr.ErrCancelled
	ErrDisconnected     = gwerr.ErrDisconnected
	ErrSessionClosed    = gwerr.New(gwerr.KindBadArgument, "session is closed", nil)
)
