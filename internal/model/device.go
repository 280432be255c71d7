// internal/model/device.go
package model

import (
	"fmt"
	"strings"
)

// DeviceDescriptor describes one attached USB device that exposes serial ports
type DeviceDescriptor struct {
	VendorID     uint16   `json:"vendor_id"`
	ProductID    uint16   `json:"product_id"`
	SerialNumber string   `json:"serial_number,omitempty"`
	Product      string   `json:"product,omitempty"`
	VendorName   string   `json:"vendor_name,omitempty"`
	Ports        []string `json:"ports"`
	// HandleNode is the USB device node, known once opening the handle was refused
	HandleNode string `json:"handle_node,omitempty"`
}

// Key returns a stable identity for the physical device
func (d *DeviceDescriptor) Key() string {
	key := fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID)
	if d.SerialNumber != "" {
		key += ":" + strings.ToLower(d.SerialNumber)
	}
	return key
}

// HasPorts checks if the device exposes at least one serial port
func (d *DeviceDescriptor) HasPorts() bool {
	return len(d.Ports) > 0
}

// PrimaryPort returns the port used for the link (index 0)
func (d *DeviceDescriptor) PrimaryPort() (string, bool) {
	if !d.HasPorts() {
		return "", false
	}
	return d.Ports[0], true
}

// AccessNodes returns every node the link needs read/write access to,
// the primary port first
func (d *DeviceDescriptor) AccessNodes() []string {
	var nodes []string
	if port, ok := d.PrimaryPort(); ok {
		nodes = append(nodes, port)
	}
	if d.HandleNode != "" {
		nodes = append(nodes, d.HandleNode)
	}
	return nodes
}

// VendorHex returns the vendor ID formatted for logs
func (d *DeviceDescriptor) VendorHex() string {
	return fmt.Sprintf("0x%04X", d.VendorID)
}

// ProductHex returns the product ID formatted for logs
func (d *DeviceDescriptor) ProductHex() string {
	return fmt.Sprintf("0x%04X", d.ProductID)
}

// Clone returns a deep copy safe to hand to other goroutines
func (d *DeviceDescriptor) Clone() *DeviceDescriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Ports = append([]string(nil), d.Ports...)
	return &c
}

// DeviceCandidate is an enumerated device annotated with the filter result
type DeviceCandidate struct {
	Device  *DeviceDescriptor `json:"device"`
	Matches bool              `json:"matches"`
}
