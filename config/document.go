// Package config loads the gateway configuration document
// with viper and holds the explicit plug-in registry the gateway uses in
// place of package-discovery machinery: adapter and agent factories are
// ordinary map values populated at startup, not process-wide singletons.
package config

import (
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/tilegw/gateway/gwerr"
)

// Args is the opaque per-plug-in argument bag a configuration entry
// carries. Values arrive as whatever viper's decoder produced (strings,
// numbers, bools, nested maps for JSON/YAML sources); cast.ToStringE and
// friends normalize them for constructors that want a specific type.
type Args map[string]interface{}

// GetString coerces key's value to a string, defaulting to "" if absent.
func (a Args) GetString(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", nil
	}
	return cast.ToStringE(v)
}

// GetInt coerces key's value to an int, defaulting to 0 if absent.
func (a Args) GetInt(key string) (int, error) {
	v, ok := a[key]
	if !ok {
		return 0, nil
	}
	return cast.ToIntE(v)
}

// GetBool coerces key's value to a bool, defaulting to false if absent.
func (a Args) GetBool(key string) (bool, error) {
	v, ok := a[key]
	if !ok {
		return false, nil
	}
	return cast.ToBoolE(v)
}

// GetDuration coerces key's value to a duration and returns it as int64
// nanoseconds, defaulting to 0 if absent (cast accepts both Go duration strings like "5s" and plain
// nanosecond integers).
func (a Args) GetDuration(key string) (int64, error) {
	v, ok := a[key]
	if !ok {
		return 0, nil
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return 0, err
	}
	return int64(d), nil
}

// AdapterEntry names one DeviceAdapter to construct
type AdapterEntry struct {
	Name string
	Port int
	Args Args
}

// AgentEntry names one GatewayAgent to construct
type AgentEntry struct {
	Name string
	Args Args
}

// Document is the gateway's full configuration: `{agents: [...], adapters:
// [...]}`, loaded from JSON, YAML, or environment overlays.
type Document struct {
	Agents   []AgentEntry
	Adapters []AdapterEntry
}

// Load reads and unmarshals a Document from v. Loggers are not bound here;
// the caller attaches one to each constructed plug-in individually.
func Load(v *viper.Viper) (*Document, error) {
	if v == nil {
		return nil, gwerr.New(gwerr.KindBadArgument, "nil viper instance", nil)
	}

	doc := new(Document)
	if err := v.Unmarshal(doc); err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadArgument, err)
	}
	return doc, nil
}

// LoadFile is a convenience wrapper around Load that points a fresh Viper
// instance at path, letting viper's extension-sniffing pick the codec
// (JSON, YAML, TOML, ...).
func LoadFile(path string) (*Document, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadArgument, err)
	}
	return Load(v)
}
