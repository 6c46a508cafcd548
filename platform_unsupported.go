//go:build !linux && !darwin && !windows

package usb

// On an unsupported OS/architecture, newMonitor stays nil and
// NewRegistry reports errUnsupportedPlatform, matching the original
// usbx library raising NotImplementedError at import time.
