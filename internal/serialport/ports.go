// Package serialport lists serial ports and checks that the programming port is usable.
package serialport

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Errors returned by the port checks
var (
	ErrPortNotFound = errors.New("serial port not found")
	ErrPortBusy     = errors.New("serial port busy")
)

// PortInfo holds details about a serial port.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

var detailedPorts = enumerator.GetDetailedPortsList

// ListPorts returns available serial ports sorted by name.
func ListPorts() ([]PortInfo, error) {
	ports, err := detailedPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		result = append(result, PortInfo{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// CheckExists verifies that a device-node port exists. Ports that are not paths
// under /dev (avrdude also accepts "usb" or "net:host:port") are not checked.
func CheckExists(name string) error {
	if !strings.HasPrefix(name, "/dev/") {
		return nil
	}
	if _, err := os.Stat(name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrPortNotFound, name)
		}
		return fmt.Errorf("failed to stat %s: %w", name, err)
	}
	return nil
}

var openPort = serial.Open

// Probe opens and immediately closes the port with DTR and RTS held low so the
// target is not reset. It reports whether another process holds the port.
func Probe(name string) error {
	if err := CheckExists(name); err != nil {
		return err
	}

	port, err := openPort(name, &serial.Mode{
		BaudRate:          115200,
		DataBits:          8,
		Parity:            serial.NoParity,
		StopBits:          serial.OneStopBit,
		InitialStatusBits: &serial.ModemOutputBits{DTR: false, RTS: false},
	})
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) {
			switch portErr.Code() {
			case serial.PortBusy:
				return fmt.Errorf("%w: %s", ErrPortBusy, name)
			case serial.PortNotFound:
				return fmt.Errorf("%w: %s", ErrPortNotFound, name)
			}
		}
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	return port.Close()
}
