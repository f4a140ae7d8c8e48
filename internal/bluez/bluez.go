// Package bluez reads Bluetooth routing state from BlueZ over the system D-Bus.
package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/micro-nova/dspd/internal/models"
	"github.com/micro-nova/dspd/internal/route"
)

const (
	service          = "org.bluez"
	ifaceDevice      = "org.bluez.Device1"
	ifaceTransport   = "org.bluez.MediaTransport1"
	ifaceProperties  = "org.freedesktop.DBus.Properties"
	ifaceObjManager  = "org.freedesktop.DBus.ObjectManager"
	methodManagedObj = ifaceObjManager + ".GetManagedObjects"
)

// Objects is the reply of ObjectManager.GetManagedObjects.
type Objects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Adapter implements route.Adapter on top of BlueZ.
type Adapter struct {
	conn *dbus.Conn
}

// New connects to the system bus.
func New() (*Adapter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	return &Adapter{conn: conn}, nil
}

// Close closes the shared bus connection.
func (a *Adapter) Close() error {
	return a.conn.Close()
}

func managedObjects(ctx context.Context, conn *dbus.Conn) (Objects, error) {
	var objects Objects
	call := conn.Object(service, "/").CallWithContext(ctx, methodManagedObj, 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: get managed objects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: decode managed objects: %w", err)
	}
	return objects, nil
}

// BondedDevices lists paired devices.
func (a *Adapter) BondedDevices(ctx context.Context) ([]models.AudioDevice, error) {
	objects, err := managedObjects(ctx, a.conn)
	if err != nil {
		return nil, err
	}
	return BondedFromObjects(objects), nil
}

// A2DPActive reports whether an A2DP device is connected, streaming or not.
func (a *Adapter) A2DPActive(ctx context.Context) (bool, error) {
	objects, err := managedObjects(ctx, a.conn)
	if err != nil {
		return false, err
	}
	return A2DPFromObjects(objects), nil
}

// A2DPFromObjects reports whether any A2DP transport exists. BlueZ keeps a
// transport in "idle" while the device is connected but paused.
func A2DPFromObjects(objects Objects) bool {
	for _, ifaces := range objects {
		if props, ok := ifaces[ifaceTransport]; ok && transportUp(stringProp(props, "State")) {
			return true
		}
	}
	return false
}

func transportUp(state string) bool {
	switch state {
	case "idle", "pending", "active":
		return true
	}
	return false
}

// Connect opens a private bus connection used as the A2DP profile proxy.
func (a *Adapter) Connect(ctx context.Context) (route.Proxy, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("bluez: proxy connect: %w", err)
	}
	return &Proxy{conn: conn}, nil
}

// Proxy is a private connection for active device queries.
type Proxy struct {
	conn *dbus.Conn
}

// ActiveDevice returns the address of the device owning the active A2DP transport.
func (p *Proxy) ActiveDevice(ctx context.Context) (string, error) {
	objects, err := managedObjects(ctx, p.conn)
	if err != nil {
		return "", err
	}
	return ActiveFromObjects(objects), nil
}

func (p *Proxy) Close() error {
	return p.conn.Close()
}

// BondedFromObjects returns every paired Device1 as a Bluetooth route.
func BondedFromObjects(objects Objects) []models.AudioDevice {
	var out []models.AudioDevice
	for _, ifaces := range objects {
		props, ok := ifaces[ifaceDevice]
		if !ok || !boolProp(props, "Paired") {
			continue
		}
		addr := stringProp(props, "Address")
		if addr == "" {
			continue
		}
		name := stringProp(props, "Alias")
		if name == "" {
			name = stringProp(props, "Name")
		}
		out = append(out, models.Bluetooth(addr, name))
	}
	return out
}

// ActiveFromObjects returns the address of the device owning an A2DP
// transport, preferring one that is "active", or "".
func ActiveFromObjects(objects Objects) string {
	var (
		fallback     string
		fallbackPath dbus.ObjectPath
	)
	for path, ifaces := range objects {
		props, ok := ifaces[ifaceTransport]
		if !ok {
			continue
		}
		state := stringProp(props, "State")
		if !transportUp(state) {
			continue
		}
		addr := transportDevice(objects, props)
		if addr == "" {
			continue
		}
		if state == "active" {
			return addr
		}
		// lowest path wins so the answer does not depend on map order
		if fallback == "" || path < fallbackPath {
			fallback, fallbackPath = addr, path
		}
	}
	return fallback
}

func transportDevice(objects Objects, transport map[string]dbus.Variant) string {
	v, ok := transport["Device"]
	if !ok {
		return ""
	}
	path, ok := v.Value().(dbus.ObjectPath)
	if !ok {
		return ""
	}
	if dev, ok := objects[path][ifaceDevice]; ok {
		return stringProp(dev, "Address")
	}
	return ""
}

// Watch subscribes to BlueZ signals and sends route triggers on out until
// ctx is done.
func (a *Adapter) Watch(ctx context.Context, out chan<- route.Trigger) error {
	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(service),
			dbus.WithMatchInterface(ifaceProperties),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace("/org/bluez"),
		},
		{
			dbus.WithMatchSender(service),
			dbus.WithMatchInterface(ifaceObjManager),
		},
	}
	for _, m := range matches {
		if err := a.conn.AddMatchSignalContext(ctx, m...); err != nil {
			return fmt.Errorf("bluez: add match: %w", err)
		}
	}

	sigs := make(chan *dbus.Signal, 16)
	a.conn.Signal(sigs)
	defer a.conn.RemoveSignal(sigs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-sigs:
			if !ok {
				return nil
			}
			routeChanged, bondedChanged := Classify(sig)
			if bondedChanged {
				slog.Debug("bluez: bonded devices changed", "path", sig.Path)
				send(ctx, out, route.TriggerBonded)
			} else if routeChanged {
				send(ctx, out, route.TriggerRoute)
			}
		}
	}
}

func send(ctx context.Context, out chan<- route.Trigger, t route.Trigger) {
	select {
	case out <- t:
	case <-ctx.Done():
	}
}

// Classify maps a BlueZ signal to the triggers it implies. A bonded change
// also implies a route recheck.
func Classify(sig *dbus.Signal) (routeChanged, bondedChanged bool) {
	switch sig.Name {
	case ifaceProperties + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return false, false
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch iface {
		case ifaceDevice:
			if _, ok := changed["Paired"]; ok {
				return true, true
			}
			_, connected := changed["Connected"]
			return connected, false
		case ifaceTransport:
			_, state := changed["State"]
			return state, false
		}
	case ifaceObjManager + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return false, false
		}
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		return touches(keys(ifaces))
	case ifaceObjManager + ".InterfacesRemoved":
		if len(sig.Body) < 2 {
			return false, false
		}
		names, _ := sig.Body[1].([]string)
		return touches(names)
	}
	return false, false
}

func touches(ifaces []string) (routeChanged, bondedChanged bool) {
	for _, name := range ifaces {
		switch name {
		case ifaceDevice:
			return true, true
		case ifaceTransport:
			routeChanged = true
		}
	}
	return routeChanged, false
}

func keys(m map[string]map[string]dbus.Variant) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func stringProp(props map[string]dbus.Variant, name string) string {
	if v, ok := props[name]; ok {
		if s, ok := v.Value().(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	if v, ok := props[name]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}
