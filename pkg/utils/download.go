package utils

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// DownloadOptions configures DownloadFile's behavior.
type DownloadOptions struct {
	// LoggerPrefix tags log lines emitted while downloading, e.g. "telegram".
	LoggerPrefix string
	// Dir overrides the destination directory. Defaults to the OS temp dir.
	Dir string
	// Timeout bounds the HTTP request. Defaults to 30s.
	Timeout time.Duration
}

// DownloadFile fetches url and writes it to a temp file named after
// filename's base name, returning the local path or "" on failure. Errors
// are logged rather than returned since call sites treat a failed download
// as "skip this attachment" rather than a fatal error.
func DownloadFile(url, filename string, opts DownloadOptions) string {
	prefix := opts.LoggerPrefix
	if prefix == "" {
		prefix = "download"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		logger.ErrorCF(prefix, "Download failed", map[string]interface{}{"url": url, "error": err.Error()})
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.ErrorCF(prefix, "Download returned non-200 status", map[string]interface{}{
			"url":    url,
			"status": resp.StatusCode,
		})
		return ""
	}

	dir := opts.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.ErrorCF(prefix, "Failed to create download dir", map[string]interface{}{"dir": dir, "error": err.Error()})
		return ""
	}

	base := filepath.Base(filename)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = fmt.Sprintf("download-%d", time.Now().UnixNano())
	}
	dest := filepath.Join(dir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), base))

	f, err := os.Create(dest)
	if err != nil {
		logger.ErrorCF(prefix, "Failed to create local file", map[string]interface{}{"path": dest, "error": err.Error()})
		return ""
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		logger.ErrorCF(prefix, "Failed to write downloaded content", map[string]interface{}{"path": dest, "error": err.Error()})
		return ""
	}

	return dest
}
