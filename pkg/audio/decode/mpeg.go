// ABOUTME: Streaming MPEG audio decoder
// ABOUTME: Feeds frames through a pipe into go-mp3 and collects int32 samples
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Resonate-Protocol/passthru-go/pkg/audio"
	"github.com/hajimehoshi/go-mp3"
)

// MPEG decodes a continuous MPEG audio stream handed over frame by frame.
// Samples of a frame become available once the decoder has consumed the
// next one, so output lags input by about one frame.
type MPEG struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	samples []int32
	rate    int
	err     error
	done    chan struct{}
}

// NewMPEG creates a streaming MPEG audio decoder
func NewMPEG(format audio.Format) (*MPEG, error) {
	if format.Codec != audio.CodecMPEG && format.Codec != "mp3" {
		return nil, fmt.Errorf("invalid codec for MPEG decoder: %s", format.Codec)
	}

	pr, pw := io.Pipe()
	d := &MPEG{
		pr:   pr,
		pw:   pw,
		done: make(chan struct{}),
	}
	go d.run()
	return d, nil
}

func (d *MPEG) run() {
	defer close(d.done)

	dec, err := mp3.NewDecoder(d.pr)
	if err != nil {
		d.fail(fmt.Errorf("failed to create mp3 decoder: %w", err))
		return
	}

	d.mu.Lock()
	d.rate = dec.SampleRate()
	d.mu.Unlock()

	buf := make([]byte, 4608)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			out := make([]int32, n/2)
			for i := range out {
				out[i] = audio.SampleFromInt16(int16(binary.LittleEndian.Uint16(buf[i*2:])))
			}
			d.mu.Lock()
			d.samples = append(d.samples, out...)
			d.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				d.fail(fmt.Errorf("mp3 decode error: %w", err))
			}
			return
		}
	}
}

func (d *MPEG) fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
	d.pr.CloseWithError(err)
}

// Decode feeds one frame and returns interleaved stereo samples decoded so far
func (d *MPEG) Decode(data []byte) ([]int32, error) {
	d.mu.Lock()
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if _, err := d.pw.Write(data); err != nil {
		d.mu.Lock()
		if d.err != nil {
			err = d.err
		}
		d.mu.Unlock()
		return nil, fmt.Errorf("mp3 decode error: %w", err)
	}

	d.mu.Lock()
	out := d.samples
	d.samples = nil
	d.mu.Unlock()
	return out, nil
}

// SampleRate returns the decoded rate, 0 until the first frame was read
func (d *MPEG) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate
}

// Close stops the decoder goroutine
func (d *MPEG) Close() error {
	d.pw.Close()
	<-d.done
	return nil
}
