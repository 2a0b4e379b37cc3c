// ABOUTME: Tests for the metronome timebase authority and click renderer
// ABOUTME: Checks BBT derivation, tempo re-anchoring and click placement
package metronome

import (
	"errors"
	"testing"

	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero tempo", func(c *Config) { c.BPM = 0 }, true},
		{"negative tempo", func(c *Config) { c.BPM = -10 }, true},
		{"zero beats per bar", func(c *Config) { c.BeatsPerBar = 0 }, true},
		{"zero beat type", func(c *Config) { c.BeatType = 0 }, true},
		{"zero ticks", func(c *Config) { c.TicksPerBeat = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetBPM(t *testing.T) {
	m, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetBPM(0); !errors.Is(err, ErrInvalidTempo) {
		t.Errorf("expected ErrInvalidTempo, got %v", err)
	}
	if err := m.SetBPM(90); err != nil {
		t.Fatal(err)
	}
	if m.BPM() != 90 || m.Meter().BPM != 90 {
		t.Errorf("expected 90 BPM, got %g", m.BPM())
	}
}

func TestTimebaseDerivesBBT(t *testing.T) {
	tests := []struct {
		name     string
		frame    uint64
		bar      int32
		beat     int32
		tick     int32
		barStart float64
	}{
		{"origin", 0, 1, 1, 0, 0},
		{"second beat", 24000, 1, 2, 0, 0},
		{"half beat into bar two", 108000, 2, 1, 960, 7680},
		{"last beat of bar three", 5*48000 + 24000 + 6000, 3, 4, 480, 15360},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := New(DefaultConfig())
			fn := m.Timebase()

			pos := transport.Position{Frame: tt.frame, FrameRate: 48000}
			fn(transport.StateStopped, 256, &pos, true)

			if pos.Frame != tt.frame {
				t.Errorf("frame must not move while stopped, got %d", pos.Frame)
			}
			if pos.Bar != tt.bar || pos.Beat != tt.beat || pos.Tick != tt.tick {
				t.Errorf("expected %d|%d|%d, got %d|%d|%d",
					tt.bar, tt.beat, tt.tick, pos.Bar, pos.Beat, pos.Tick)
			}
			if pos.BarStartTick != tt.barStart {
				t.Errorf("expected bar start tick %g, got %g", tt.barStart, pos.BarStartTick)
			}
			if err := pos.Validate(); err != nil {
				t.Errorf("derived position invalid: %v", err)
			}
		})
	}
}

func TestTimebaseRollsFrames(t *testing.T) {
	m, _ := New(DefaultConfig())
	fn := m.Timebase()

	pos := transport.Position{FrameRate: 48000}
	fn(transport.StateRolling, 24000, &pos, true)

	if pos.Frame != 24000 {
		t.Errorf("expected frame 24000, got %d", pos.Frame)
	}
	if pos.Beat != 2 {
		t.Errorf("expected beat 2, got %d", pos.Beat)
	}
}

func TestTempoChangeReanchors(t *testing.T) {
	m, _ := New(DefaultConfig())
	fn := m.Timebase()

	pos := transport.Position{Frame: 48000, FrameRate: 48000}
	fn(transport.StateStopped, 0, &pos, true)
	if pos.Beat != 3 {
		t.Fatalf("expected beat 3 at one second, got %d", pos.Beat)
	}

	if err := m.SetBPM(60); err != nil {
		t.Fatal(err)
	}
	fn(transport.StateRolling, 48000, &pos, false)

	// One more beat at the new tempo, not a jump to the 60 BPM timeline
	if pos.Bar != 1 || pos.Beat != 4 {
		t.Errorf("expected 1|4 after re-anchoring, got %d|%d", pos.Bar, pos.Beat)
	}
	if pos.BeatsPerMinute != 60 {
		t.Errorf("expected published tempo 60, got %g", pos.BeatsPerMinute)
	}
}

func TestMetronomeDrivesController(t *testing.T) {
	m, _ := New(DefaultConfig())
	c := transport.New(transport.Config{FrameRate: 48000})
	if err := c.ClaimTimebase(true, m.Timebase()); err != nil {
		t.Fatal(err)
	}

	c.Start()
	for i := 0; i < 100; i++ {
		c.Step(480)
	}

	state, pos := c.Query()
	if state != transport.StateRolling {
		t.Fatalf("expected Rolling, got %v", state)
	}
	if !pos.HasBBT() {
		t.Fatal("expected BBT from the metronome")
	}
	// 99 periods of 480 frames have been published
	if pos.Frame != 47520 || pos.Beat != 2 {
		t.Errorf("expected frame 47520 on beat 2, got frame %d beat %d", pos.Frame, pos.Beat)
	}
	if c.Stats().AuthorityCorrections != 0 {
		t.Error("metronome must keep frames continuous")
	}
}

func TestClickSilentWhenStopped(t *testing.T) {
	click := NewClick(0.5)
	out := make([]int16, 480*2)
	pos := transport.Position{FrameRate: 48000, Valid: transport.PositionBBT, Bar: 1, Beat: 1,
		BeatsPerBar: 4, BeatType: 4, TicksPerBeat: 1920, BeatsPerMinute: 120}

	click.Render(transport.StateStopped, pos, out, 2)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("expected silence, sample %d = %d", i, s)
		}
	}
}

func TestClickOnBeat(t *testing.T) {
	click := NewClick(0.5)
	out := make([]int16, 4800*2)
	pos := transport.Position{FrameRate: 48000, Valid: transport.PositionBBT, Bar: 1, Beat: 1,
		BeatsPerBar: 4, BeatType: 4, TicksPerBeat: 1920, BeatsPerMinute: 120}

	click.Render(transport.StateRolling, pos, out, 2)

	if out[10*2] == 0 || out[10*2] != out[10*2+1] {
		t.Errorf("expected matching click samples on both channels, got %d and %d", out[20], out[21])
	}
	for frame := 1440; frame < 4800; frame++ {
		if out[frame*2] != 0 {
			t.Fatalf("expected click to end after 30ms, frame %d = %d", frame, out[frame*2])
		}
	}
}

func TestClickBetweenBeats(t *testing.T) {
	click := NewClick(0.5)
	out := make([]int16, 4800)
	pos := transport.Position{FrameRate: 48000, Valid: transport.PositionBBT, Bar: 1, Beat: 2, Tick: 960,
		BeatsPerBar: 4, BeatType: 4, TicksPerBeat: 1920, BeatsPerMinute: 120}

	click.Render(transport.StateRolling, pos, out, 1)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("no beat starts in this period, sample %d = %d", i, s)
		}
	}
}
