// Package audio wraps recovered μ-law carrier audio in a WAV container for
// the fallback batch STT POST, grounded on spec.md §4.12's "wrap as a WAV
// container (single-channel, 8 kHz, 16-bit from μ-law decoded)" and the
// teacher's pkg/audio/wav.go header-writer, extended into a seekable buffer
// so it can back github.com/go-audio/wav's encoder.
package audio

import (
	"errors"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/audioutil"
)

// seekBuffer is a minimal in-memory io.WriteSeeker, needed because
// wav.NewEncoder seeks back to patch the RIFF/data chunk sizes once
// encoding finishes, which a plain *bytes.Buffer cannot do.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.buf) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[s.pos:end], p)
	s.pos = end
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = int64(s.pos) + offset
	case io.SeekEnd:
		newPos = int64(len(s.buf)) + offset
	default:
		return 0, errors.New("audio: invalid whence")
	}
	if newPos < 0 {
		return 0, errors.New("audio: negative seek position")
	}
	s.pos = int(newPos)
	return newPos, nil
}

// EncodeULawToWAV decodes an 8 kHz G.711 μ-law byte stream into 16-bit PCM
// and wraps it as a mono WAV file, the exact shape RecoveryManager's
// catch-up path POSTs to the fallback batch STT service.
func EncodeULawToWAV(ulaw []byte, sampleRate int) ([]byte, error) {
	samples := make([]int, len(ulaw))
	for i, b := range ulaw {
		samples[i] = int(audioutil.DecodeSample(b))
	}

	dst := &seekBuffer{}
	enc := wav.NewEncoder(dst, sampleRate, 16, 1, 1)

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return dst.buf, nil
}
