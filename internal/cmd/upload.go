package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// uploadResponse is the backend's answer to a multipart file upload.
type uploadResponse struct {
	Files []string `json:"files"`
	Error string   `json:"error,omitempty"`
}

// HTTPUploadTransport moves files to the backend's upload endpoint over
// HTTP multipart, out-of-band from the exchange connection. It satisfies
// the exchange transport contract: progress as a 0..100 percentage and a
// single completion report carrying the server-side paths.
type HTTPUploadTransport struct {
	// Endpoint is the upload URL.
	Endpoint string

	// Client is the HTTP client used for the transfer.
	Client *http.Client

	logger *slog.Logger
}

// NewHTTPUploadTransport derives the upload endpoint from the backend's
// WebSocket URL: the scheme flips to HTTP and the path becomes /upload.
func NewHTTPUploadTransport(wsURL string, logger *slog.Logger) (*HTTPUploadTransport, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/upload"
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPUploadTransport{
		Endpoint: u.String(),
		Client:   &http.Client{Timeout: 5 * time.Minute},
		logger:   logger,
	}, nil
}

// Begin uploads the files named by payload, which must be a []string of
// local paths. The transfer runs on the calling goroutine; the exchange
// layer already runs it off the receive loop.
func (t *HTTPUploadTransport) Begin(payload any, onProgress func(int), onComplete func([]string, string)) {
	localPaths, ok := payload.([]string)
	if !ok || len(localPaths) == 0 {
		onComplete(nil, "no files to upload")
		return
	}

	total, err := totalSize(localPaths)
	if err != nil {
		onComplete(nil, err.Error())
		return
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	counter := &countingReader{r: pr, total: total, onProgress: onProgress}

	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()
		for _, path := range localPaths {
			if werr = writeFilePart(writer, path); werr != nil {
				return
			}
		}
		werr = writer.Close()
	}()

	resp, err := t.Client.Post(t.Endpoint, writer.FormDataContentType(), counter)
	if err != nil {
		onComplete(nil, fmt.Sprintf("upload failed: %v", err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		onComplete(nil, fmt.Sprintf("read upload response: %v", err))
		return
	}
	if resp.StatusCode != http.StatusOK {
		onComplete(nil, fmt.Sprintf("upload failed: %s: %s", resp.Status, strings.TrimSpace(string(body))))
		return
	}

	var parsed uploadResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		onComplete(nil, fmt.Sprintf("decode upload response: %v", err))
		return
	}
	if parsed.Error != "" {
		onComplete(nil, parsed.Error)
		return
	}

	t.logger.Debug("Upload finished", "files", len(parsed.Files))
	onProgress(100)
	onComplete(parsed.Files, "")
}

// writeFilePart streams one local file into the multipart body.
func writeFilePart(writer *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	part, err := writer.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("send %s: %w", path, err)
	}
	return nil
}

func totalSize(paths []string) (int64, error) {
	var total int64
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", path, err)
		}
		total += info.Size()
	}
	return total, nil
}

// countingReader reports transfer progress as the HTTP client drains the
// multipart body. Percentages are capped at 99 so only a confirmed server
// response produces the terminal report.
type countingReader struct {
	r          io.Reader
	read       int64
	total      int64
	onProgress func(int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.onProgress != nil && c.total > 0 {
		percent := int(c.read * 100 / c.total)
		if percent > 99 {
			percent = 99
		}
		c.onProgress(percent)
	}
	return n, err
}
