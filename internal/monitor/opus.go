package monitor

import (
	"fmt"

	"layeh.com/gopus"
)

const (
	opusFrameMs  = 20
	opusMaxBytes = 1000
)

// opusStream encodes a mono PCM stream into 20 ms Opus packets, carrying
// the remainder of each pushed block over to the next call.
type opusStream struct {
	enc     *gopus.Encoder
	frame   int
	pending []int16
}

func newOpusStream(rate int) (*opusStream, error) {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("monitor: opus does not support %d Hz", rate)
	}
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("monitor: create opus encoder: %w", err)
	}
	return &opusStream{enc: enc, frame: rate * opusFrameMs / 1000}, nil
}

// push appends pcm and returns every complete packet.
func (s *opusStream) push(pcm []int16) ([][]byte, error) {
	s.pending = append(s.pending, pcm...)
	var (
		out [][]byte
		off int
		err error
	)
	for ; len(s.pending)-off >= s.frame; off += s.frame {
		var pkt []byte
		pkt, err = s.enc.Encode(s.pending[off:off+s.frame], s.frame, opusMaxBytes)
		if err != nil {
			err = fmt.Errorf("monitor: opus encode: %w", err)
			off += s.frame
			break
		}
		out = append(out, pkt)
	}
	n := copy(s.pending, s.pending[off:])
	s.pending = s.pending[:n]
	return out, err
}
