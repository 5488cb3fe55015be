package download

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/files"
	"github.com/kapowarr/kapowarr/pkg/session"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// DirectClient is the built-in downloader for plain HTTP links. It streams
// the response body into the scratch folder, tracking progress and speed.
type DirectClient struct {
	ssn *session.Session

	mu        sync.Mutex
	downloads map[string]*directDownload
}

type directDownload struct {
	mu         sync.Mutex
	path       string
	size       int64
	downloaded int64
	speed      int64
	state      types.DownloadState
	cancel     context.CancelFunc
}

// NewDirectClient creates the built-in HTTP downloader.
func NewDirectClient(ssn *session.Session) *DirectClient {
	if ssn == nil {
		ssn = session.New()
	}
	return &DirectClient{
		ssn:       ssn,
		downloads: map[string]*directDownload{},
	}
}

// Add implements ExternalClient. The download starts immediately in the
// background.
func (d *DirectClient) Add(ctx context.Context, link, targetFolder, downloadName, filename string) (string, error) {
	if err := files.CreateFolder(targetFolder); err != nil {
		return "", err
	}

	name := filename
	if name == "" {
		name = downloadName
	}
	if name == "" {
		name = filenameFromURL(link)
	}
	if name == "" {
		return "", errs.LinkBroken("no filename could be determined")
	}

	handle := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	dl := &directDownload{
		path:   filepath.Join(targetFolder, files.CleanFilename(name)),
		size:   types.SizeUnknown,
		state:  types.DownloadDownloading,
		cancel: cancel,
	}

	d.mu.Lock()
	d.downloads[handle] = dl
	d.mu.Unlock()

	go d.run(runCtx, dl, link)
	return handle, nil
}

func (d *DirectClient) run(ctx context.Context, dl *directDownload, link string) {
	fail := func() {
		dl.mu.Lock()
		dl.state = types.DownloadFailed
		dl.mu.Unlock()
	}

	resp, err := d.ssn.Get(ctx, link)
	if err != nil {
		fail()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		fail()
		return
	}

	dl.mu.Lock()
	if resp.ContentLength > 0 {
		dl.size = resp.ContentLength
	}
	dl.mu.Unlock()

	out, err := os.Create(dl.path)
	if err != nil {
		fail()
		return
	}
	defer out.Close()

	buf := make([]byte, 256*1024)
	windowStart := time.Now()
	windowBytes := int64(0)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				fail()
				return
			}
			windowBytes += int64(n)

			dl.mu.Lock()
			dl.downloaded += int64(n)
			if elapsed := time.Since(windowStart); elapsed >= time.Second {
				dl.speed = int64(float64(windowBytes) / elapsed.Seconds())
				windowStart = time.Now()
				windowBytes = 0
			}
			dl.mu.Unlock()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fail()
			return
		}
	}

	dl.mu.Lock()
	dl.state = types.DownloadDone
	dl.speed = 0
	if dl.size == types.SizeUnknown {
		dl.size = dl.downloaded
	}
	dl.mu.Unlock()
}

// Status implements ExternalClient.
func (d *DirectClient) Status(_ context.Context, handle string) (*types.DownloadStatus, error) {
	d.mu.Lock()
	dl, ok := d.downloads[handle]
	d.mu.Unlock()
	if !ok {
		return nil, nil
	}

	dl.mu.Lock()
	defer dl.mu.Unlock()
	progress := 0.0
	if dl.size > 0 {
		progress = float64(dl.downloaded) / float64(dl.size) * 100.0
	}
	if dl.state == types.DownloadDone {
		progress = 100.0
	}
	return &types.DownloadStatus{
		Size:     dl.size,
		Progress: progress,
		Speed:    dl.speed,
		State:    dl.state,
	}, nil
}

// FilePath returns the target path of a running or finished download.
func (d *DirectClient) FilePath(handle string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dl, ok := d.downloads[handle]; ok {
		return dl.path
	}
	return ""
}

// Delete implements ExternalClient.
func (d *DirectClient) Delete(_ context.Context, handle string, deleteFiles bool) error {
	d.mu.Lock()
	dl, ok := d.downloads[handle]
	delete(d.downloads, handle)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	dl.cancel()
	if deleteFiles {
		return files.DeleteFileFolder(dl.path)
	}
	return nil
}

// Test implements ExternalClient.
func (d *DirectClient) Test(context.Context) error {
	return nil
}

func filenameFromURL(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	base := filepath.Base(u.Path)
	if base == "." || base == "/" || !strings.Contains(base, ".") {
		return ""
	}
	return base
}

var _ ExternalClient = (*DirectClient)(nil)
