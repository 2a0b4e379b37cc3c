// ABOUTME: MP3 source backed by go-mp3
// ABOUTME: go-mp3 always yields 16-bit stereo, so frames map to 4-byte offsets
package follower

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

const mp3FrameBytes = 4

// MP3Source decodes an MP3 file
type MP3Source struct {
	file    *os.File
	decoder *mp3.Decoder
	buf     []byte
}

// OpenMP3 opens an MP3 file
func OpenMP3(path string) (*MP3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	return &MP3Source{file: f, decoder: decoder}, nil
}

// ReadFrames decodes up to len(dst)/2 stereo frames
func (s *MP3Source) ReadFrames(dst []int16) (int, error) {
	frames := len(dst) / 2
	need := frames * mp3FrameBytes
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	n, err := io.ReadFull(s.decoder, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}

	got := n / mp3FrameBytes
	for i := 0; i < got*2; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	if got > 0 && errors.Is(err, io.EOF) {
		return got, nil
	}
	return got, err
}

// SeekFrame seeks the decoder by byte offset
func (s *MP3Source) SeekFrame(frame uint64) error {
	if _, err := s.decoder.Seek(int64(frame)*mp3FrameBytes, io.SeekStart); err != nil {
		return fmt.Errorf("mp3 seek to frame %d: %w", frame, err)
	}
	return nil
}

func (s *MP3Source) SampleRate() int { return s.decoder.SampleRate() }
func (s *MP3Source) Channels() int   { return 2 }
func (s *MP3Source) Close() error    { return s.file.Close() }
