// ABOUTME: Seekable PCM sources for the slow-sync file follower
// ABOUTME: Opens MP3 or FLAC files and decodes them to interleaved 16-bit frames
package follower

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned by Open for unknown file extensions
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Source decodes interleaved 16-bit PCM and can reposition by frame
type Source interface {
	// ReadFrames fills dst with whole frames and returns the frame count.
	// It returns io.EOF once the stream is exhausted.
	ReadFrames(dst []int16) (int, error)

	// SeekFrame moves the read position to frame
	SeekFrame(frame uint64) error

	SampleRate() int
	Channels() int
	Close() error
}

// Open returns a Source for path, choosing the decoder by extension
func Open(path string) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio file not found: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		return OpenMP3(path)
	case ".flac":
		return OpenFLAC(path)
	default:
		return nil, fmt.Errorf("%w: %s (supported: .mp3, .flac)", ErrUnsupportedFormat, ext)
	}
}
