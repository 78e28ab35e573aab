// Package models downloads whisper.cpp ggml models from Hugging Face.
package models

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultBaseURL is where ggml models are published.
const DefaultBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// Known maps model names to their approximate size in MB.
var Known = map[string]int{
	"tiny":           75,
	"tiny.en":        75,
	"base":           142,
	"base.en":        142,
	"small":          466,
	"small.en":       466,
	"medium":         1500,
	"medium.en":      1500,
	"large-v3":       2900,
	"large-v3-turbo": 1600,
}

// Names returns the known model names in sorted order.
func Names() []string {
	names := make([]string, 0, len(Known))
	for n := range Known {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FileName returns the ggml file name of a model.
func FileName(name string) string {
	return "ggml-" + name + ".bin"
}

// Downloader fetches models into Dir, printing progress to Out.
type Downloader struct {
	BaseURL string
	Dir     string
	Out     io.Writer
	Client  *http.Client
}

// Download fetches the named model and returns its path. An existing
// non-empty file is kept.
func (d *Downloader) Download(ctx context.Context, name string) (string, error) {
	if _, ok := Known[name]; !ok {
		return "", fmt.Errorf("models: unknown model %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	out := d.Out
	if out == nil {
		out = io.Discard
	}
	base := d.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return "", fmt.Errorf("models: creating models dir: %w", err)
	}
	destPath := filepath.Join(d.Dir, FileName(name))

	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		fmt.Fprintf(out, "  Model already exists: %s (%.0f MB)\n", destPath, float64(info.Size())/(1024*1024))
		return destPath, nil
	}

	url := strings.TrimRight(base, "/") + "/" + FileName(name)
	fmt.Fprintf(out, "  Downloading %s (~%d MB)\n", name, Known[name])
	fmt.Fprintf(out, "  URL: %s\n", url)
	fmt.Fprintf(out, "  Destination: %s\n", destPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("models: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("models: downloading %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("models: download failed: HTTP %d", resp.StatusCode)
	}

	// Write to a temp file first, then rename.
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("models: creating temp file: %w", err)
	}

	pw := &progressWriter{writer: f, out: out, total: resp.ContentLength, label: FileName(name)}
	written, err := io.Copy(pw, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("models: writing model file: %w", err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		os.Remove(tmpPath)
		return "", fmt.Errorf("models: truncated download: %d of %d bytes", written, resp.ContentLength)
	}

	fmt.Fprintf(out, "\n  Downloaded %.1f MB\n", float64(written)/(1024*1024))

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("models: moving model file: %w", err)
	}
	return destPath, nil
}

// progressWriter wraps an io.Writer and prints download progress.
type progressWriter struct {
	writer  io.Writer
	out     io.Writer
	total   int64
	written int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := float64(pw.written) / float64(pw.total) * 100
		fmt.Fprintf(pw.out, "\r  %s: %.1f MB / %.1f MB (%.0f%%)",
			pw.label,
			float64(pw.written)/(1024*1024),
			float64(pw.total)/(1024*1024),
			pct)
	} else {
		fmt.Fprintf(pw.out, "\r  %s: %.1f MB downloaded",
			pw.label,
			float64(pw.written)/(1024*1024))
	}
	return n, err
}
