package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/protoreel/worker/internal/retry"
)

// downloadClient is shared by all remote asset fetches (image_url, video_url,
// music, audio prompts).
var downloadClient = &http.Client{Timeout: 5 * time.Minute}

// DownloadFile fetches a remote asset to dest, retrying transient failures.
func DownloadFile(ctx context.Context, url, dest string) error {
	return retry.Default.Do(ctx, "asset download", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return fmt.Errorf("failed to create download request: %w", err)
		}

		resp, err := downloadClient.Do(req)
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("download returned status %d for %s", resp.StatusCode, url)
		}

		f, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", dest, err)
		}
		defer f.Close()

		n, err := io.Copy(f, resp.Body)
		if err != nil {
			os.Remove(dest)
			return fmt.Errorf("failed to write %s: %w", dest, err)
		}
		if n == 0 {
			os.Remove(dest)
			return fmt.Errorf("downloaded file is empty: %s", url)
		}

		log.Printf("[Download] Fetched %s (%d bytes)", url, n)
		return nil
	})
}

// DownloadBytes fetches a remote asset into memory and reports its MIME type.
// Used for images that feed straight into a provider edit call.
func DownloadBytes(ctx context.Context, url string) ([]byte, string, error) {
	var (
		data     []byte
		mimeType string
	)
	err := retry.Default.Do(ctx, "asset download", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return fmt.Errorf("failed to create download request: %w", err)
		}

		resp, err := downloadClient.Do(req)
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("download returned status %d for %s", resp.StatusCode, url)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		if len(data) == 0 {
			return fmt.Errorf("downloaded file is empty: %s", url)
		}

		mimeType = resp.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		return nil
	})
	return data, mimeType, err
}
