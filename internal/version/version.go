// ABOUTME: Build identity reported in client/hello device info and the daemon banner
// ABOUTME: Version can be overridden at link time with -ldflags -X
package version

// Version is the release version
var Version = "0.3.0"

const (
	// Product names the software in device info
	Product = "Resonate Transport"

	// Manufacturer names the publisher in device info
	Manufacturer = "Resonate Protocol"
)

// String returns the product banner
func String() string {
	return Product + " " + Version
}
