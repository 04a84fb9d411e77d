package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"eufy-go-home/internal/eufy"
)

// ErrTranscodeFailure wraps every failed pipeline stage.
var ErrTranscodeFailure = errors.New("transcode failure")

// Published state names.
const (
	StateLastEventVideoURL   = "last_event_video_url"
	StateLastEventPictureURL = "last_event_picture_url"
	StateLastEventPicture    = "last_event_picture_html"
	StateLastLiveVideoURL    = "last_livestream_video_url"
	StateLastLivePictureURL  = "last_livestream_pic_url"
	StateLastLivePicture     = "last_livestream_pic_html"
)

const (
	defaultThumbnailOffset = time.Second
	relayThumbnailOffset   = 5500 * time.Millisecond
)

// Publisher writes device states into the host state store.
type Publisher interface {
	Publish(device, state string, value any) error
}

// Aborter cancels the operation feeding a failed pipeline.
type Aborter interface {
	AbortLivestream(station, device string)
	AbortDownload(station, device string)
}

// Pipeline drives transcodes and publishes their results.
type Pipeline struct {
	layout  Layout
	tc      Transcoder
	pub     Publisher
	aborter Aborter
	logger  *slog.Logger
}

func NewPipeline(layout Layout, tc Transcoder, pub Publisher, aborter Aborter, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		layout:  layout,
		tc:      tc,
		pub:     pub,
		aborter: aborter,
		logger:  logger.With("component", "media"),
	}
}

// Layout returns the file layout of the pipeline.
func (p *Pipeline) Layout() Layout { return p.layout }

// run is the state threaded through the stages of one pipeline.
type run struct {
	station, device string
	src, dst        Location
	proc            Process
	offset          time.Duration

	videoState, picState, htmlState string
	picURL, html                    string
	abort                           func()
}

type stage struct {
	name string
	run  func(ctx context.Context, r *run) error
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{"transcode", p.transcode},
		{"verify", p.verify},
		{"clear", p.clear},
		{"move", p.move},
		{"thumbnail", p.thumbnail},
		{"publish", p.publish},
	}
}

func (p *Pipeline) execute(ctx context.Context, r *run) error {
	for _, st := range p.stages() {
		if err := st.run(ctx, r); err != nil {
			p.logger.Error("media pipeline failed", "station", r.station, "serial", r.device, "stage", st.name, "err", err)
			if r.abort != nil {
				r.abort()
			}
			return fmt.Errorf("%w: %s %s: %w", ErrTranscodeFailure, r.device, st.name, err)
		}
	}
	return nil
}

func (p *Pipeline) transcode(_ context.Context, r *run) error {
	return r.proc.Wait()
}

func (p *Pipeline) verify(_ context.Context, r *run) error {
	fi, err := os.Stat(p.layout.Path(r.station, r.src, r.device, ExtPlaylist))
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return errors.New("empty playlist")
	}
	return nil
}

func (p *Pipeline) clear(_ context.Context, r *run) error {
	return p.layout.Remove(r.station, r.dst, r.device)
}

func (p *Pipeline) move(_ context.Context, r *run) error {
	return p.layout.Move(r.station, r.src, r.dst, r.device)
}

// thumbnail failures only lose the preview; the video is still published.
func (p *Pipeline) thumbnail(ctx context.Context, r *run) error {
	playlist := p.layout.Path(r.station, r.dst, r.device, ExtPlaylist)
	image := p.layout.Path(r.station, r.dst, r.device, ExtImage)
	if err := p.tc.Thumbnail(ctx, playlist, image, r.offset); err != nil {
		p.logger.Warn("thumbnail extraction failed", "serial", r.device, "err", err)
		return nil
	}
	html, err := imageHTML(image)
	if err != nil {
		p.logger.Warn("thumbnail unreadable", "serial", r.device, "err", err)
		return nil
	}
	r.picURL = p.layout.URL(r.station, r.dst, r.device, ExtImage)
	r.html = html
	return nil
}

func (p *Pipeline) publish(_ context.Context, r *run) error {
	video := p.layout.URL(r.station, r.dst, r.device, ExtPlaylist)
	if err := p.pub.Publish(r.device, r.videoState, video); err != nil {
		return err
	}
	if r.picURL == "" {
		return nil
	}
	if err := p.pub.Publish(r.device, r.picState, r.picURL); err != nil {
		return err
	}
	return p.pub.Publish(r.device, r.htmlState, r.html)
}

// RunDownload transcodes an event download into TEMP and publishes it as
// the last event. It blocks until the stream ends.
func (p *Pipeline) RunDownload(ctx context.Context, stream *eufy.MediaStream) error {
	station, device := stream.Station, stream.Device
	abort := func() { p.aborter.AbortDownload(station, device) }

	if err := p.prepare(station, Temp, device); err != nil {
		stream.Close()
		abort()
		return fmt.Errorf("%w: %s: %w", ErrTranscodeFailure, device, err)
	}
	proc, err := p.tc.Transcode(ctx, Input{Stream: stream}, p.layout.Output(station, Temp, device))
	if err != nil {
		stream.Close()
		abort()
		return fmt.Errorf("%w: %s: %w", ErrTranscodeFailure, device, err)
	}
	return p.execute(ctx, &run{
		station: station, device: device,
		src: Temp, dst: LastEvent,
		proc:       proc,
		offset:     defaultThumbnailOffset,
		videoState: StateLastEventVideoURL,
		picState:   StateLastEventPictureURL,
		htmlState:  StateLastEventPicture,
		abort:      abort,
	})
}

// StartLive transcodes a local livestream into LIVE. The returned job runs
// until the station ends the stream or the job is stopped; its recording
// is then published as the last livestream.
func (p *Pipeline) StartLive(ctx context.Context, stream *eufy.MediaStream) (*Job, error) {
	station, device := stream.Station, stream.Device
	job, err := p.startLive(ctx, station, device, Input{Stream: stream}, defaultThumbnailOffset)
	if err != nil {
		stream.Close()
		p.aborter.AbortLivestream(station, device)
		return nil, err
	}
	return job, nil
}

// StartRelay transcodes a cloud relay stream into LIVE.
func (p *Pipeline) StartRelay(ctx context.Context, station, device, url string) (*Job, error) {
	return p.startLive(ctx, station, device, Input{URL: url}, relayThumbnailOffset)
}

func (p *Pipeline) startLive(ctx context.Context, station, device string, in Input, offset time.Duration) (*Job, error) {
	// The transcode outlives the request that started it.
	ctx = context.WithoutCancel(ctx)
	if err := p.prepare(station, Live, device); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTranscodeFailure, device, err)
	}
	proc, err := p.tc.Transcode(ctx, in, p.layout.Output(station, Live, device))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTranscodeFailure, device, err)
	}

	job := newJob(p.layout.URL(station, Live, device, ExtPlaylist), proc)
	r := &run{
		station: station, device: device,
		src: Live, dst: LastLive,
		proc:       proc,
		offset:     offset,
		videoState: StateLastLiveVideoURL,
		picState:   StateLastLivePictureURL,
		htmlState:  StateLastLivePicture,
		abort:      func() { p.aborter.AbortLivestream(station, device) },
	}
	go func() {
		job.finish(p.execute(ctx, r))
	}()
	p.logger.Info("livestream transcode started", "station", station, "serial", device, "url", job.URL())
	return job, nil
}

// prepare empties the working location of device.
func (p *Pipeline) prepare(station string, loc Location, device string) error {
	if err := p.layout.Ensure(station, loc); err != nil {
		return err
	}
	return p.layout.Remove(station, loc, device)
}

func imageHTML(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return ImageHTML(data), nil
}

// ImageHTML embeds a JPEG as an inline html image.
func ImageHTML(jpeg []byte) string {
	return `<img src="data:image/jpeg;base64,` + base64.StdEncoding.EncodeToString(jpeg) + `"/>`
}
