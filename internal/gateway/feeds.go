package gateway

import (
	"io"
	"log/slog"
	"sync"

	"eufy-go-home/internal/eufy"
)

type feedKind int

const (
	feedLive feedKind = iota
	feedDownload
)

type feedKey struct {
	kind    feedKind
	station string
	device  string
}

// pump moves media chunks from the read loop into a pipe on its own
// goroutine so a slow consumer never blocks other events.
type pump struct {
	ch   chan []byte
	w    *io.PipeWriter
	done chan struct{}
}

func newPump() (*pump, *io.PipeReader) {
	r, w := io.Pipe()
	p := &pump{ch: make(chan []byte, feedBuffer), w: w, done: make(chan struct{})}
	go p.run()
	return p, r
}

func (p *pump) run() {
	defer close(p.done)
	for chunk := range p.ch {
		if _, err := p.w.Write(chunk); err != nil {
			// reader closed; discard the rest
			for range p.ch {
			}
			return
		}
	}
	p.w.Close()
}

type stream struct {
	video *pump
	audio *pump
}

func (s *stream) close() {
	close(s.video.ch)
	close(s.audio.ch)
}

// feeds tracks the open media streams of the link.
type feeds struct {
	logger *slog.Logger

	mu      sync.Mutex
	streams map[feedKey]*stream
}

func newFeeds(logger *slog.Logger) *feeds {
	return &feeds{logger: logger, streams: make(map[feedKey]*stream)}
}

// open starts a stream, replacing one left open for the same key.
func (f *feeds) open(key feedKey, md eufy.StreamMetadata) *eufy.MediaStream {
	video, vr := newPump()
	audio, ar := newPump()
	f.mu.Lock()
	old := f.streams[key]
	f.streams[key] = &stream{video: video, audio: audio}
	f.mu.Unlock()
	if old != nil {
		old.close()
	}
	return &eufy.MediaStream{
		Station:  key.station,
		Device:   key.device,
		Metadata: md,
		Video:    vr,
		Audio:    ar,
	}
}

func (f *feeds) write(key feedKey, audio bool, chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[key]
	if !ok {
		return
	}
	p := s.video
	if audio {
		p = s.audio
	}
	select {
	case p.ch <- chunk:
	default:
		f.logger.Warn("media consumer too slow, dropping chunk", "serial", key.device, "audio", audio)
	}
}

func (f *feeds) close(key feedKey) {
	f.mu.Lock()
	s, ok := f.streams[key]
	delete(f.streams, key)
	f.mu.Unlock()
	if ok {
		s.close()
	}
}

func (f *feeds) closeAll() {
	f.mu.Lock()
	streams := f.streams
	f.streams = make(map[feedKey]*stream)
	f.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
}
