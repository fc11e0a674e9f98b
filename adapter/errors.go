package adapter

import "github.com/tilegw/gateway/gwerr"

// Sentinel errors a DeviceAdapter implementation returns from its public
// methods, re-exported here so call sites can `errors.Is(err, adapter.ErrBusy)`
// without importing gwerr directly.
var (
	ErrDeviceNotFound       = gwerr.ErrDeviceNotFound
	ErrBusy                 = gwerr.New(gwerr.KindTileBusy, "adapter at capacity", nil)
	ErrTransportUnavailable = gwerr.ErrTransportUnavailable
	ErrTileBusy             = gwerr.ErrTileBusy
	ErrTileNotFound         = gwerr.New(gwerr.KindRPCNotFound, "tile not found at address", nil)
	ErrRPCNotFound          = gwerr.ErrRPCNotFound
	ErrRPCInvalidArgs       = gwerr.ErrRPCInvalidArgs
	ErrDisconnected         = gwerr.ErrDisconnected
	ErrTimeout              = gwerr.ErrTimeout
)
