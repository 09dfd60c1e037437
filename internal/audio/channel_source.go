package audio

import "context"

// ChannelSource adapts an existing frame channel, typically fed by tests or
// an in-process capture loop.
type ChannelSource struct {
	ch <-chan Frame
}

func NewChannelSource(ch <-chan Frame) *ChannelSource {
	return &ChannelSource{ch: ch}
}

func (s *ChannelSource) Frames(ctx context.Context) (<-chan Frame, error) {
	out := make(chan Frame)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-s.ch:
				if !ok {
					return
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
