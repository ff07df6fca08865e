// ABOUTME: Product and version identifiers
// ABOUTME: Reported in the hello/welcome handshake and shown in the TUI
package version

const (
	// Version is the release version of airly-go
	Version = "0.3.0"

	// Product is the product name sent to peers
	Product = "Airly"

	// Manufacturer identifies who built this peer
	Manufacturer = "airly-sync"

	// ProtocolVersion is the wire protocol version negotiated in hello/welcome
	ProtocolVersion = 1
)
