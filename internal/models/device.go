package models

import "fmt"

// DeviceKind identifies the kind of audio output route.
type DeviceKind string

const (
	DeviceKindPhone     DeviceKind = "phone"
	DeviceKindAux       DeviceKind = "aux"
	DeviceKindBluetooth DeviceKind = "bluetooth"
)

// Fixed ids of the non-Bluetooth routes. Bluetooth routes use their address.
const (
	PhoneDeviceID = "audio_device_phone"
	AuxDeviceID   = "audio_device_aux"
)

// AudioDevice is an audio output route. It is a value; only its ID is ever persisted.
type AudioDevice struct {
	Kind    DeviceKind `json:"kind"`
	Address string     `json:"address,omitempty"` // Bluetooth only
	Name    string     `json:"name"`
}

// Phone is the built-in speaker route.
func Phone() AudioDevice {
	return AudioDevice{Kind: DeviceKindPhone, Name: "Phone speaker"}
}

// Aux is the wired headset route.
func Aux() AudioDevice {
	return AudioDevice{Kind: DeviceKindAux, Name: "Aux"}
}

// Bluetooth returns the route for a bonded Bluetooth device.
func Bluetooth(address, name string) AudioDevice {
	if name == "" {
		name = address
	}
	return AudioDevice{Kind: DeviceKindBluetooth, Address: address, Name: name}
}

// ID returns the persisted identifier of the route.
func (d AudioDevice) ID() string {
	switch d.Kind {
	case DeviceKindPhone:
		return PhoneDeviceID
	case DeviceKindAux:
		return AuxDeviceID
	default:
		return d.Address
	}
}

func (d AudioDevice) String() string {
	if d.Kind == DeviceKindBluetooth {
		return fmt.Sprintf("bluetooth(%s, %s)", d.Address, d.Name)
	}
	return string(d.Kind)
}

// IsBluetooth reports whether the route is a Bluetooth device.
func (d AudioDevice) IsBluetooth() bool { return d.Kind == DeviceKindBluetooth }
