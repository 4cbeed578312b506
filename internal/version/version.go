// ABOUTME: Version and product identification
// ABOUTME: Reported in the control endpoint hello and the startup log
package version

const (
	Version      = "0.3.0"
	Product      = "passthru"
	Manufacturer = "Resonate Protocol"
)
