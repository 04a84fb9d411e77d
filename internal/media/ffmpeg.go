package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"eufy-go-home/internal/eufy"
)

// outputBufferSize is the buffer size for capturing ffmpeg stderr.
const outputBufferSize = 4096

// Input is what a transcode reads: either a raw stream from a station or a
// network source such as an RTMP relay url.
type Input struct {
	Stream *eufy.MediaStream
	URL    string
}

// Output names the playlist and segments inside Dir.
type Output struct {
	Dir      string
	Playlist string // file name, e.g. T8113.m3u8
	Segments string // file name pattern, e.g. T8113_%03d.ts
}

// Process is a running transcode.
type Process interface {
	// Wait blocks until the process exits. It returns nil for a clean exit
	// or an exit requested through Stop.
	Wait() error
	// Stop asks the process to finalize its output and exit.
	Stop()
	// Kill terminates the process without finalizing.
	Kill()
}

// Transcoder runs the external media tool.
type Transcoder interface {
	Transcode(ctx context.Context, in Input, out Output) (Process, error)
	Thumbnail(ctx context.Context, input, output string, offset time.Duration) error
}

// FFmpeg is the ffmpeg-backed Transcoder.
type FFmpeg struct {
	Binary          string
	HLSTime         int
	GracefulTimeout time.Duration
	Logger          *slog.Logger
}

func (f *FFmpeg) binary() string {
	if f.Binary == "" {
		return "ffmpeg"
	}
	return f.Binary
}

func (f *FFmpeg) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

func videoFormat(codec string) string {
	switch strings.ToLower(codec) {
	case "h265", "hevc":
		return "hevc"
	default:
		return "h264"
	}
}

func audioFormat(codec string) string {
	if strings.EqualFold(codec, "aac") {
		return "aac"
	}
	return ""
}

// TranscodeArgs builds the ffmpeg command line. Raw streams are read from
// fd 3 (video) and fd 4 (audio).
func TranscodeArgs(in Input, out Output, hlsTime int) []string {
	if hlsTime <= 0 {
		hlsTime = 2
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}

	switch {
	case in.Stream != nil:
		md := in.Stream.Metadata
		args = append(args, "-f", videoFormat(md.VideoCodec))
		if md.VideoFPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(md.VideoFPS))
		}
		args = append(args, "-i", "pipe:3")
		if af := audioFormat(md.AudioCodec); af != "" && in.Stream.Audio != nil {
			args = append(args, "-f", af, "-i", "pipe:4", "-map", "0:v", "-map", "1:a", "-c:a", "aac")
		}
		args = append(args, "-c:v", "copy")
	default:
		args = append(args, "-i", in.URL, "-c", "copy")
	}

	return append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(hlsTime),
		"-hls_list_size", "0",
		"-hls_segment_filename", out.Segments,
		out.Playlist,
	)
}

// ThumbnailArgs builds the command line extracting one frame at offset.
func ThumbnailArgs(input, output string, offset time.Duration) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64),
		"-i", input,
		"-frames:v", "1",
		output,
	}
}

// Transcode starts ffmpeg writing an HLS playlist.
func (f *FFmpeg) Transcode(ctx context.Context, in Input, out Output) (Process, error) {
	if in.Stream == nil && in.URL == "" {
		return nil, fmt.Errorf("transcode: no input")
	}
	args := TranscodeArgs(in, out, f.HLSTime)
	cmd := exec.Command(f.binary(), args...)
	cmd.Dir = out.Dir
	// New process group so the stop signal reaches ffmpeg and its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	var feeds []feed
	if in.Stream != nil {
		feeds, err = attachStreams(cmd, in.Stream)
		if err != nil {
			return nil, err
		}
	}

	if err := cmd.Start(); err != nil {
		for _, fd := range feeds {
			fd.r.Close()
			fd.w.Close()
		}
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}
	for _, fd := range feeds {
		fd.r.Close() // the child holds its own copy
		go fd.pump()
	}

	p := &ffmpegProcess{
		cmd:      cmd,
		done:     make(chan struct{}),
		graceful: f.GracefulTimeout,
		logger:   f.logger().With("component", "ffmpeg", "playlist", out.Playlist),
	}
	if p.graceful <= 0 {
		p.graceful = 5 * time.Second
	}
	go p.captureOutput(stderr)
	go p.wait()
	go func() {
		select {
		case <-ctx.Done():
			p.Kill()
		case <-p.done:
		}
	}()

	p.logger.Debug("ffmpeg started", "pid", cmd.Process.Pid, "args", args)
	return p, nil
}

// Thumbnail extracts a single frame of input into output.
func (f *FFmpeg) Thumbnail(ctx context.Context, input, output string, offset time.Duration) error {
	cmd := exec.CommandContext(ctx, f.binary(), ThumbnailArgs(input, output, offset)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

type feed struct {
	r, w *os.File
	src  io.ReadCloser
}

func (f feed) pump() {
	io.Copy(f.w, f.src)
	f.w.Close()
	f.src.Close()
}

func attachStreams(cmd *exec.Cmd, s *eufy.MediaStream) ([]feed, error) {
	var feeds []feed
	srcs := []io.ReadCloser{s.Video}
	if audioFormat(s.Metadata.AudioCodec) != "" && s.Audio != nil {
		srcs = append(srcs, s.Audio)
	} else if s.Audio != nil {
		go func() {
			io.Copy(io.Discard, s.Audio)
			s.Audio.Close()
		}()
	}
	for _, src := range srcs {
		r, w, err := os.Pipe()
		if err != nil {
			for _, fd := range feeds {
				fd.r.Close()
				fd.w.Close()
			}
			return nil, fmt.Errorf("creating stream pipe: %w", err)
		}
		feeds = append(feeds, feed{r: r, w: w, src: src})
		cmd.ExtraFiles = append(cmd.ExtraFiles, r)
	}
	return feeds, nil
}

type ffmpegProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	graceful time.Duration
	logger   *slog.Logger

	mu            sync.Mutex
	stopRequested bool
	killed        bool
	err           error
}

func (p *ffmpegProcess) captureOutput(r io.Reader) {
	buf := make([]byte, outputBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.logger.Debug("ffmpeg output", "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (p *ffmpegProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	switch {
	case p.killed:
		p.err = errKilled
	case p.stopRequested:
		p.err = nil
	case err != nil:
		p.err = fmt.Errorf("ffmpeg exited: %w", err)
	}
	p.mu.Unlock()
	close(p.done)
}

var errKilled = errors.New("transcode killed")

func (p *ffmpegProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop sends SIGTERM to the process group so ffmpeg writes the playlist
// trailer, then SIGKILL after the graceful timeout.
func (p *ffmpegProcess) Stop() {
	p.mu.Lock()
	if p.stopRequested || p.killed {
		p.mu.Unlock()
		return
	}
	p.stopRequested = true
	p.mu.Unlock()

	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("failed to send SIGTERM to ffmpeg", "err", err)
	}
	select {
	case <-p.done:
		return
	case <-time.After(p.graceful):
		p.logger.Warn("ffmpeg graceful stop timeout, sending SIGKILL", "timeout", p.graceful)
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("failed to kill ffmpeg", "err", err)
	}
	<-p.done
}

func (p *ffmpegProcess) Kill() {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
	}
	p.killed = true
	p.mu.Unlock()

	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("failed to kill ffmpeg", "err", err)
	}
}
