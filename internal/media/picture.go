package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
)

// PictureFetcher saves event pictures announced by push notifications.
type PictureFetcher struct {
	layout Layout
	pub    Publisher
	http   *resty.Client
}

func NewPictureFetcher(layout Layout, pub Publisher) *PictureFetcher {
	client := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(5 * time.Second)
	return &PictureFetcher{layout: layout, pub: pub, http: client}
}

// Save downloads url into LAST_EVENT as {device}.jpg and publishes the
// picture url and its inline html.
func (f *PictureFetcher) Save(ctx context.Context, station, device, url string) error {
	resp, err := f.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return fmt.Errorf("fetch picture of %s: %w", device, err)
	}
	if resp.IsError() {
		return fmt.Errorf("fetch picture of %s: status %d", device, resp.StatusCode())
	}
	data := resp.Body()
	if len(data) == 0 {
		return fmt.Errorf("fetch picture of %s: empty body", device)
	}

	if err := f.layout.Ensure(station, LastEvent); err != nil {
		return err
	}
	path := f.layout.Path(station, LastEvent, device, ExtImage)
	tmp, err := os.CreateTemp(filepath.Dir(path), device+".*.tmp")
	if err != nil {
		return fmt.Errorf("save picture of %s: %w", device, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("save picture of %s: %w", device, err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save picture of %s: %w", device, err)
	}

	if err := f.pub.Publish(device, StateLastEventPictureURL, f.layout.URL(station, LastEvent, device, ExtImage)); err != nil {
		return err
	}
	return f.pub.Publish(device, StateLastEventPicture, ImageHTML(data))
}
