package main

import (
	"os"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/tilegw/gateway/adapter"
	"github.com/tilegw/gateway/adapter/serial"
	"github.com/tilegw/gateway/adapter/virtual"
	"github.com/tilegw/gateway/adapter/wsadapter"
	"github.com/tilegw/gateway/config"
	"github.com/tilegw/gateway/gateway/httpagent"
	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/session"
	"github.com/tilegw/gateway/tile"
)

// registerBuiltins populates the registry with every adapter and agent this
// binary ships. Deployments embedding the gateway as a library register
// their own factories instead; nothing here is process-global.
func registerBuiltins(r *config.Registry) {
	r.RegisterAdapter("virtual", newVirtualAdapter)
	r.RegisterAdapter("websocket", newWebsocketAdapter)
	r.RegisterAdapter("serial", newSerialAdapter)
	r.RegisterAgent("http", newHTTPAgent)
}

// newVirtualAdapter hosts one synthetic device with a single tile, for
// local testing and demos:
//
//	{name: "virtual", args: {device_id: 1, tile_address: 8, tile_name: "Simple"}}
func newVirtualAdapter(args config.Args, _ int, logger *zap.Logger) (adapter.Interface, error) {
	deviceID, err := args.GetInt("device_id")
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadArgument, err)
	}
	if deviceID == 0 {
		return nil, gwerr.New(gwerr.KindBadArgument, "virtual adapter requires a device_id", nil)
	}

	address, err := args.GetInt("tile_address")
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadArgument, err)
	}
	if address == 0 {
		address = 8
	}

	name, err := args.GetString("tile_name")
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadArgument, err)
	}
	if name == "" {
		name = "vrtdev"
	}

	t := virtual.NewTile(uint8(address), name, [3]uint8{1, 0, 0})
	t.SetState(virtual.TileState{Configured: true, Running: true})

	return virtual.New(virtual.Options{
		DeviceID: tile.DeviceID(deviceID),
		Logger:   logger,
		Tiles:    []*virtual.Tile{t},
	}), nil
}

// newWebsocketAdapter dials out to tile devices over websockets:
//
//	{name: "websocket", args: {devices: {"1": "ws://10.0.0.5:9000/tile"}}}
func newWebsocketAdapter(args config.Args, _ int, logger *zap.Logger) (adapter.Interface, error) {
	raw, ok := args["devices"]
	if !ok {
		return nil, gwerr.New(gwerr.KindBadArgument, "websocket adapter requires a devices map", nil)
	}
	byName, err := cast.ToStringMapStringE(raw)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadArgument, err)
	}

	devices := make(map[tile.DeviceID]string, len(byName))
	for idStr, url := range byName {
		id, err := cast.ToUint64E(idStr)
		if err != nil {
			return nil, gwerr.New(gwerr.KindBadArgument, "websocket device key is not a device id", map[string]interface{}{"key": idStr})
		}
		devices[tile.DeviceID(id)] = url
	}

	return wsadapter.New(wsadapter.Options{Logger: logger, Devices: devices}), nil
}

// newSerialAdapter attaches one device over a serial debug link:
//
//	{name: "serial", args: {path: "/dev/ttyUSB0", device_id: 7}}
func newSerialAdapter(args config.Args, _ int, logger *zap.Logger) (adapter.Interface, error) {
	path, err := args.GetString("path")
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadArgument, err)
	}
	if path == "" {
		return nil, gwerr.New(gwerr.KindBadArgument, "serial adapter requires a path", nil)
	}

	deviceID, err := args.GetInt("device_id")
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadArgument, err)
	}
	if deviceID == 0 {
		return nil, gwerr.New(gwerr.KindBadArgument, "serial adapter requires a device_id", nil)
	}

	return serial.New(serial.Options{
		Logger:   logger,
		DeviceID: tile.DeviceID(deviceID),
		Open: func() (serial.Port, error) {
			return os.OpenFile(path, os.O_RDWR, 0)
		},
	}), nil
}

// newHTTPAgent serves the websocket op channel and the REST status surface:
//
//	{name: "http", args: {listen: ":8080", scan_settle: "2s"}}
func newHTTPAgent(args config.Args, deps interface{}, logger *zap.Logger) (config.Agent, error) {
	manager, ok := deps.(*session.Manager)
	if !ok {
		return nil, gwerr.New(gwerr.KindUnknownAgent, "http agent requires a session manager", nil)
	}

	listen, err := args.GetString("listen")
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadArgument, err)
	}
	settle, err := args.GetDuration("scan_settle")
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadArgument, err)
	}

	return httpagent.New(httpagent.Options{
		Manager:    manager,
		Logger:     logger,
		Listen:     listen,
		ScanSettle: time.Duration(settle),
	}), nil
}
