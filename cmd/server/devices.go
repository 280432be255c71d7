// cmd/server/devices.go
package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"usblink-service/internal/model"
)

const (
	idWidth     = 11
	portWidth   = 16
	vendorWidth = 28
	matchWidth  = 6
)

// renderTable renders candidates in a styled table
func renderTable(out io.Writer, candidates []model.DeviceCandidate) {
	if len(candidates) == 0 {
		fmt.Fprintln(out, "No USB serial devices found")
		return
	}

	fmt.Fprintf(out, "Found %d USB serial device(s):\n\n", len(candidates))

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(lipgloss.Color("240"))

	cellStyle := lipgloss.NewStyle().PaddingRight(2)
	matchStyle := cellStyle.Foreground(lipgloss.Color("42")).Bold(true)

	header := fmt.Sprintf("%-*s %-*s %-*s %-*s %s",
		idWidth, "VID:PID",
		portWidth, "Port",
		vendorWidth, "Vendor",
		matchWidth, "Match",
		"Product")
	fmt.Fprintln(out, headerStyle.Render(header))

	for _, candidate := range candidates {
		row := fmt.Sprintf("%-*s %-*s %-*s %-*s %s",
			idWidth, ids(candidate.Device),
			portWidth, strings.Join(candidate.Device.Ports, ","),
			vendorWidth, orUnknown(candidate.Device.VendorName),
			matchWidth, yesNo(candidate.Matches),
			orUnknown(candidate.Device.Product))

		style := cellStyle
		if candidate.Matches {
			style = matchStyle
		}
		fmt.Fprintln(out, style.Render(row))
	}
}

// renderSimple renders one line per candidate
func renderSimple(out io.Writer, candidates []model.DeviceCandidate) {
	for _, candidate := range candidates {
		marker := " "
		if candidate.Matches {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s %s\n", marker, ids(candidate.Device), strings.Join(candidate.Device.Ports, ","))
	}
}

func ids(device *model.DeviceDescriptor) string {
	return fmt.Sprintf("%04x:%04x", device.VendorID, device.ProductID)
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
