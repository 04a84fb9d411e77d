// Package media turns raw station streams into published HLS playlists and
// preview images.
package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Location is a per-station media directory.
type Location string

const (
	Live      Location = "live"
	LastLive  Location = "last_live"
	LastEvent Location = "last_event"
	Temp      Location = "temp"
)

// File extensions of published artifacts.
const (
	ExtPlaylist = ".m3u8"
	ExtImage    = ".jpg"
)

// Layout maps stations, locations and devices to files and URLs.
// Files live at {Root}/{station}/{location}/{device}{ext}; HLS segments
// are {device}_NNN.ts next to the playlist.
type Layout struct {
	Root      string
	Namespace string
}

func (l Layout) Dir(station string, loc Location) string {
	return filepath.Join(l.Root, station, string(loc))
}

func (l Layout) Path(station string, loc Location, device, ext string) string {
	return filepath.Join(l.Dir(station, loc), device+ext)
}

// URL is the published URL of an artifact, served by the web server.
func (l Layout) URL(station string, loc Location, device, ext string) string {
	return "/" + l.Namespace + "/" + station + "/" + string(loc) + "/" + device + ext
}

// Output is the transcode target for device in a location. Names are
// relative to the location dir so playlists reference segments by file
// name and survive a Move.
func (l Layout) Output(station string, loc Location, device string) Output {
	return Output{
		Dir:      l.Dir(station, loc),
		Playlist: device + ExtPlaylist,
		Segments: device + "_%03d.ts",
	}
}

func belongsTo(name, device string) bool {
	if !strings.HasPrefix(name, device) {
		return false
	}
	rest := name[len(device):]
	return strings.HasPrefix(rest, ".") || strings.HasPrefix(rest, "_")
}

// files lists the artifacts of device in a location.
func (l Layout) files(station string, loc Location, device string) ([]string, error) {
	entries, err := os.ReadDir(l.Dir(station, loc))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && belongsTo(e.Name(), device) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Remove deletes every artifact of device in a location.
func (l Layout) Remove(station string, loc Location, device string) error {
	names, err := l.files(station, loc, device)
	if err != nil {
		return fmt.Errorf("list %s files of %s: %w", loc, device, err)
	}
	dir := l.Dir(station, loc)
	for _, n := range names {
		if err := os.Remove(filepath.Join(dir, n)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", n, err)
		}
	}
	return nil
}

// Move renames every artifact of device from one location to another.
func (l Layout) Move(station string, from, to Location, device string) error {
	names, err := l.files(station, from, device)
	if err != nil {
		return fmt.Errorf("list %s files of %s: %w", from, device, err)
	}
	if err := l.Ensure(station, to); err != nil {
		return err
	}
	src, dst := l.Dir(station, from), l.Dir(station, to)
	for _, n := range names {
		if err := os.Rename(filepath.Join(src, n), filepath.Join(dst, n)); err != nil {
			return fmt.Errorf("move %s to %s: %w", n, to, err)
		}
	}
	return nil
}

// Ensure creates the directory of a location.
func (l Layout) Ensure(station string, loc Location) error {
	if err := os.MkdirAll(l.Dir(station, loc), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", loc, err)
	}
	return nil
}
