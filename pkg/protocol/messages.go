// ABOUTME: Transport control protocol message type definitions
// ABOUTME: JSON envelope payloads exchanged between controllers, followers and the server
package protocol

// ProtocolVersion is the control protocol version
const ProtocolVersion = 1

// Message types
const (
	TypeClientHello         = "client/hello"
	TypeServerHello         = "server/hello"
	TypeTransportStart      = "transport/start"
	TypeTransportStop       = "transport/stop"
	TypeTransportLocate     = "transport/locate"
	TypeTransportReposition = "transport/reposition"
	TypeTransportTimeout    = "transport/timeout"
	TypeTransportState      = "transport/state"
	TypeSyncRegister        = "sync/register"
	TypeSyncReady           = "sync/ready"
	TypeSyncUnregister      = "sync/unregister"
	TypeServerError         = "server/error"
	TypeClientTime          = "client/time"
	TypeServerTime          = "server/time"
)

// Roles a client may announce
const (
	RoleController = "controller@v1"
	RoleFollower   = "follower@v1"
	RoleMonitor    = "monitor@v1"
)

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ClientHello is sent by clients to initiate the handshake
type ClientHello struct {
	ClientID       string      `json:"client_id"`
	Name           string      `json:"name"`
	Version        int         `json:"version"`
	SupportedRoles []string    `json:"supported_roles"`
	DeviceInfo     *DeviceInfo `json:"device_info,omitempty"`
}

// DeviceInfo contains device identification
type DeviceInfo struct {
	ProductName     string `json:"product_name"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareVersion string `json:"software_version"`
}

// ServerHello is the server's response to client/hello
type ServerHello struct {
	ServerID    string   `json:"server_id"`
	Name        string   `json:"name"`
	Version     int      `json:"version"`
	ActiveRoles []string `json:"active_roles"`
	FrameRate   uint32   `json:"frame_rate"`
	SyncTimeout uint32   `json:"sync_timeout"` // frames
}

// Locate requests a move to a frame, musical fields recomputed by the authority
type Locate struct {
	Frame uint64 `json:"frame"`
}

// Reposition requests a full position including musical fields
type Reposition struct {
	Position PositionRecord `json:"position"`
}

// SyncTimeout sets the slow-sync timeout in frames; zero restores the default
type SyncTimeout struct {
	Frames uint32 `json:"frames"`
}

// SyncReady reports whether a remote follower can roll at the last requested frame
type SyncReady struct {
	Ready bool   `json:"ready"`
	Frame uint64 `json:"frame"`
}

// TransportState is pushed by the server on every change and on request
type TransportState struct {
	State       string         `json:"state"` // "stopped", "starting" or "rolling"
	Position    PositionRecord `json:"position"`
	SyncTimeout uint32         `json:"sync_timeout"`
	Followers   int            `json:"followers"`
	Authority   bool           `json:"authority"`
	Follower    *FollowerState `json:"follower,omitempty"`
}

// FollowerState tells a remote follower what the transport is waiting for
type FollowerState struct {
	Registered     bool   `json:"registered"`
	Ready          bool   `json:"ready"`
	RequestedFrame uint64 `json:"requested_frame"`
}

// ClientTime starts a clock exchange
type ClientTime struct {
	ClientTransmitted int64 `json:"client_transmitted"` // client µs
}

// ServerTime answers client/time in the clock stamped on positions
type ServerTime struct {
	ClientTransmitted int64 `json:"client_transmitted"` // echoed
	ServerReceived    int64 `json:"server_received"`
	ServerTransmitted int64 `json:"server_transmitted"`
}

// ServerError reports a rejected request
type ServerError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error codes carried in ServerError
const (
	ErrorDuplicateClient = "duplicate_client_id"
	ErrorInvalidPosition = "invalid_position"
	ErrorInvalidPayload  = "invalid_payload"
	ErrorNotPermitted    = "not_permitted"
	ErrorUnknownMessage  = "unknown_message"
	ErrorNotRegistered   = "not_registered"
)
