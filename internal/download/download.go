// Package download retrieves candidate price files to local disk.
package download

import (
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/pricefinder/internal/config"
	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/resilience"
)

const userAgent = "pricefinder/1.0 (+https://github.com/sells-group/pricefinder)"

// Result describes a completed download.
type Result struct {
	Path        string
	Size        int64
	ContentType string
	FileType    string
}

// Downloader streams remote files to a local directory, bounding both the
// per-file size and the number of concurrent transfers.
type Downloader struct {
	http        *http.Client
	dir         string
	maxSize     int64
	sem         *semaphore.Weighted
	retryCfg    resilience.RetryConfig
	ftpTimeout  time.Duration
}

// New creates a Downloader writing into cfg.Dir.
func New(cfg config.DownloadConfig) *Downloader {
	retryCfg := resilience.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.MaxAttempts
	}
	retryCfg.OnRetry = resilience.RetryLogger("download", "fetch_file")

	inflight := cfg.MaxInflight
	if inflight < 1 {
		inflight = 1
	}

	return &Downloader{
		http:       &http.Client{Timeout: 5 * time.Minute},
		dir:        cfg.Dir,
		maxSize:    int64(cfg.MaxFileSizeMB) << 20,
		sem:        semaphore.NewWeighted(int64(inflight)),
		retryCfg:   retryCfg,
		ftpTimeout: 30 * time.Second,
	}
}

// Fetch downloads one file link. It blocks while the in-flight cap is
// reached, retries transient failures, and refuses files over the size cap.
func (d *Downloader) Fetch(ctx context.Context, hospitalID string, link *model.FileLink) (*Result, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "download: acquire slot")
	}
	defer d.sem.Release(1)

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "download: create dir")
	}

	u, err := url.Parse(link.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "download: parse url %s", link.URL)
	}

	return resilience.DoVal(ctx, d.retryCfg, func(ctx context.Context) (*Result, error) {
		if u.Scheme == "ftp" {
			return d.fetchFTP(ctx, hospitalID, u, link)
		}
		return d.fetchHTTP(ctx, hospitalID, link)
	})
}

func (d *Downloader) fetchHTTP(ctx context.Context, hospitalID string, link *model.FileLink) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.URL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "download: create request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "download: fetch %s", link.URL), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, resilience.NewRateLimitError(eris.Errorf("download: rate limited %s", link.URL), req.URL.Host)
	case resilience.IsRetryableHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(eris.Errorf("download: status %d for %s", resp.StatusCode, link.URL), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		// Client errors are permanent; a dead link stays dead.
		return nil, eris.Errorf("download: status %d for %s", resp.StatusCode, link.URL)
	}

	if resp.ContentLength > 0 && resp.ContentLength > d.maxSize {
		return nil, eris.Errorf("download: %s exceeds size cap (%d > %d bytes)", link.URL, resp.ContentLength, d.maxSize)
	}

	name := filenameFor(resp.Header.Get("Content-Disposition"), link)
	dest := filepath.Join(d.dir, hospitalID+"_"+name)

	size, err := d.writeCapped(dest, resp.Body)
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	zap.L().Info("file downloaded",
		zap.String("hospital_id", hospitalID),
		zap.String("url", link.URL),
		zap.String("path", dest),
		zap.Int64("size", size),
	)

	return &Result{
		Path:        dest,
		Size:        size,
		ContentType: contentType,
		FileType:    fileTypeFor(link, name, contentType),
	}, nil
}

func (d *Downloader) fetchFTP(ctx context.Context, hospitalID string, u *url.URL, link *model.FileLink) (*Result, error) {
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "21")
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(d.ftpTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "download: ftp dial"), 0)
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		return nil, eris.Wrap(err, "download: ftp login")
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "download: ftp retrieve"), 0)
	}
	defer resp.Close() //nolint:errcheck

	name := path.Base(u.Path)
	dest := filepath.Join(d.dir, hospitalID+"_"+name)

	size, err := d.writeCapped(dest, resp)
	if err != nil {
		return nil, err
	}

	return &Result{
		Path:     dest,
		Size:     size,
		FileType: fileTypeFor(link, name, ""),
	}, nil
}

// writeCapped streams src to dest, failing partway through if the size cap
// is exceeded. The partial file is removed on any error.
func (d *Downloader) writeCapped(dest string, src io.Reader) (int64, error) {
	f, err := os.Create(dest)
	if err != nil {
		return 0, eris.Wrap(err, "download: create file")
	}

	size, err := io.Copy(f, io.LimitReader(src, d.maxSize+1))
	closeErr := f.Close()

	switch {
	case err != nil:
		_ = os.Remove(dest)
		return 0, resilience.NewTransientError(eris.Wrap(err, "download: stream body"), 0)
	case closeErr != nil:
		_ = os.Remove(dest)
		return 0, eris.Wrap(closeErr, "download: close file")
	case size > d.maxSize:
		_ = os.Remove(dest)
		return 0, eris.Errorf("download: %s exceeds size cap (%d bytes)", dest, d.maxSize)
	}

	return size, nil
}

// filenameFor picks a local filename: the Content-Disposition filename when
// present, otherwise the URL basename, otherwise a fresh UUID.
func filenameFor(disposition string, link *model.FileLink) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := filepath.Base(params["filename"]); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}

	if u, err := url.Parse(link.URL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "." && name != "/" {
			return name
		}
	}

	return uuid.NewString()
}

// fileTypeFor resolves the stored file type, preferring the link's own type,
// then the filename extension, then the response content type.
func fileTypeFor(link *model.FileLink, name, contentType string) string {
	if link.FileType != "" {
		return link.FileType
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return "csv"
	case ".json":
		return "json"
	case ".xlsx":
		return "xlsx"
	case ".xls":
		return "xls"
	case ".zip":
		return "zip"
	}

	switch {
	case strings.Contains(contentType, "csv"):
		return "csv"
	case strings.Contains(contentType, "json"):
		return "json"
	case strings.Contains(contentType, "spreadsheet"), strings.Contains(contentType, "excel"):
		return "xlsx"
	}
	return ""
}
