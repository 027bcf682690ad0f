/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingress

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	bluezBus         = "org.bluez"
	bluezAdapterPath = "/org/bluez/hci0"
	bluezDeviceIface = "org.bluez.Device1"
	bluezGattIface   = "org.bluez.GattCharacteristic1"
	propsIface       = "org.freedesktop.DBus.Properties"
)

// bluezLink talks to the BlueZ daemon over the system bus.
type bluezLink struct {
	address string
	logger  zerolog.Logger

	// runner executes host recovery commands; tests inject a fake.
	runner func(ctx context.Context, name string, args ...string) error
}

func (b *bluezLink) run(ctx context.Context, name string, args ...string) error {
	if b.runner != nil {
		return b.runner(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...).Run()
}

// devicePath derives the BlueZ object path from the MAC address.
func (b *bluezLink) devicePath() dbus.ObjectPath {
	mac := strings.ReplaceAll(strings.ToUpper(b.address), ":", "_")
	return dbus.ObjectPath(bluezAdapterPath + "/dev_" + mac)
}

// attempt connects the remote, enables notifications on its key
// characteristic and pumps them until the link drops or ctx is cancelled.
func (b *bluezLink) attempt(ctx context.Context, onUp func(), codes func(byte)) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ingress: system bus: %w", err)
	}

	devPath := b.devicePath()
	dev := conn.Object(bluezBus, devPath)
	if call := dev.CallWithContext(ctx, bluezDeviceIface+".Connect", 0); call.Err != nil {
		return fmt.Errorf("ingress: connect %s: %w", b.address, call.Err)
	}

	// Value signals only flow after StartNotify on the characteristic, which
	// in turn only exists once service discovery has resolved.
	charPath, err := b.resolveNotifyCharacteristic(ctx, conn, devPath)
	if err != nil {
		return err
	}
	char := conn.Object(bluezBus, charPath)
	if call := char.CallWithContext(ctx, bluezGattIface+".StartNotify", 0); call.Err != nil {
		return fmt.Errorf("ingress: start notify %s: %w", charPath, call.Err)
	}
	onUp()

	if err := conn.AddMatchSignalContext(ctx,
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(devPath),
	); err != nil {
		return fmt.Errorf("ingress: subscribe: %w", err)
	}
	defer conn.RemoveMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(devPath),
	)

	sigs := make(chan *dbus.Signal, 16)
	conn.Signal(sigs)
	defer conn.RemoveSignal(sigs)

	for {
		select {
		case <-ctx.Done():
			char.Call(bluezGattIface+".StopNotify", 0)
			dev.CallWithContext(context.Background(), bluezDeviceIface+".Disconnect", 0)
			return ctx.Err()
		case sig, ok := <-sigs:
			if !ok {
				return fmt.Errorf("ingress: bus connection closed")
			}
			if down, err := b.handleSignal(sig, codes); err != nil {
				return err
			} else if down {
				return fmt.Errorf("ingress: remote disconnected")
			}
		}
	}
}

// resolveNotifyCharacteristic polls the object tree until the remote's
// notifying characteristic shows up. Service discovery runs asynchronously
// after Connect, so the first few polls may come back empty.
func (b *bluezLink) resolveNotifyCharacteristic(ctx context.Context, conn *dbus.Conn, devPath dbus.ObjectPath) (dbus.ObjectPath, error) {
	deadline := time.Now().Add(10 * time.Second)
	root := conn.Object(bluezBus, "/")
	for {
		var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
		call := root.CallWithContext(ctx, "org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0)
		if call.Err != nil {
			return "", fmt.Errorf("ingress: managed objects: %w", call.Err)
		}
		if err := call.Store(&objects); err != nil {
			return "", fmt.Errorf("ingress: managed objects: %w", err)
		}
		if path, ok := findNotifyCharacteristic(objects, devPath); ok {
			return path, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("ingress: no notifying characteristic under %s", devPath)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// findNotifyCharacteristic picks the first characteristic below the device
// whose flags include notify.
func findNotifyCharacteristic(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, devPath dbus.ObjectPath) (dbus.ObjectPath, bool) {
	prefix := string(devPath) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		flags, ok := props["Flags"].Value().([]string)
		if !ok {
			continue
		}
		for _, f := range flags {
			if f == "notify" {
				return path, true
			}
		}
	}
	return "", false
}

// handleSignal feeds notification payload bytes to codes and reports a
// Connected=false transition as link-down.
func (b *bluezLink) handleSignal(sig *dbus.Signal, codes func(byte)) (bool, error) {
	if len(sig.Body) < 2 {
		return false, nil
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)

	switch iface {
	case bluezGattIface:
		if v, ok := changed["Value"]; ok {
			if raw, ok := v.Value().([]byte); ok {
				for _, c := range raw {
					codes(c)
				}
			}
		}
	case bluezDeviceIface:
		if v, ok := changed["Connected"]; ok {
			if up, ok := v.Value().(bool); ok && !up {
				return true, nil
			}
		}
	}
	return false, nil
}

// reset applies one recovery action. Levels mirror how deep the adapter
// state has rotted: property toggle, interface bounce, daemon restart,
// driver reload.
func (b *bluezLink) reset(ctx context.Context, level ResetLevel) error {
	b.logger.Info().Int("level", int(level)).Msg("bluetooth reset")
	switch level {
	case ResetPowerCycle:
		return b.powerCycle(ctx)
	case ResetInterface:
		if err := b.run(ctx, "hciconfig", "hci0", "down"); err != nil {
			return err
		}
		return b.run(ctx, "hciconfig", "hci0", "up")
	case ResetStackRestart:
		return b.run(ctx, "systemctl", "restart", "bluetooth")
	case ResetModuleReload:
		if err := b.run(ctx, "modprobe", "-r", "btusb"); err != nil {
			return err
		}
		return b.run(ctx, "modprobe", "btusb")
	default:
		return fmt.Errorf("ingress: unknown reset level %d", level)
	}
}

func (b *bluezLink) powerCycle(ctx context.Context) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	adapter := conn.Object(bluezBus, bluezAdapterPath)
	if call := adapter.CallWithContext(ctx, propsIface+".Set", 0,
		"org.bluez.Adapter1", "Powered", dbus.MakeVariant(false)); call.Err != nil {
		return fmt.Errorf("ingress: power off: %w", call.Err)
	}
	if call := adapter.CallWithContext(ctx, propsIface+".Set", 0,
		"org.bluez.Adapter1", "Powered", dbus.MakeVariant(true)); call.Err != nil {
		return fmt.Errorf("ingress: power on: %w", call.Err)
	}
	return nil
}
