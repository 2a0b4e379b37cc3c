// ABOUTME: Remote transport control server package
// ABOUTME: Serves the transport over WebSocket and advertises it over mDNS
// Package server exposes a transport.Controller to remote clients.
//
// Controllers send start, stop, locate and reposition requests. Monitors
// receive the published position every broadcast interval. Followers register
// as slow-sync followers and report readiness; the server answers the
// controller's realtime sync callback from an atomic flag so a slow network
// never stalls a cycle.
//
// Example:
//
//	ctrl := transport.New(transport.Config{FrameRate: 48000})
//	srv, err := server.New(server.Config{Name: "studio", Controller: ctrl})
//	if err != nil {
//	    return err
//	}
//	go srv.Start()
//	defer srv.Stop()
package server
