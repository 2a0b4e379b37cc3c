// Package cycle connects a processing-cycle source to the transport controller.
//
// A Reader turns every pull for audio into exactly one Controller.Step followed
// by one Query, then lets renderers fill the period from the published
// position. The OtoDriver pulls the Reader from the audio device; the
// TickerDriver pulls it from a timer when no device is available.
package cycle

// Driver runs cycles until stopped
type Driver interface {
	Start() error
	Stop() error
}

var (
	_ Driver = (*TickerDriver)(nil)
	_ Driver = (*OtoDriver)(nil)
)
