// ABOUTME: Transport control wire protocol package
// ABOUTME: Defines protocol messages, the binary position record and the WebSocket client
// Package protocol implements the remote transport control protocol.
//
// Control messages are JSON envelopes sent over a WebSocket. Published
// positions are pushed as binary frames holding a one-byte message type
// followed by a canonical CBOR PositionRecord. Clients estimate the server
// clock with client/time exchanges so PositionRecord.Usecs can be compared
// with local time.
//
// Example:
//
//	client := protocol.NewClient(protocol.Config{ServerAddr: "localhost:8928", Name: "desk"})
//	if err := client.Connect(); err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.Locate(48000)
//	client.Start()
//	for record := range client.Positions {
//	    fmt.Println(record.TransportState(), record.Frame)
//	}
package protocol
