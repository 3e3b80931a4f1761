package util

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	// Register the WebP decoder so generated images saved as .webp still open.
	_ "golang.org/x/image/webp"
)

// OpenImage 打开本地图片
func OpenImage(path string) (image.Image, error) {
	return imaging.Open(path)
}

// SavePNG writes img to path as PNG, creating parent directories as needed.
// The PNG encoder keeps the alpha channel, so transparency survives.
func SavePNG(img image.Image, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return imaging.Save(img, path)
}

// DownloadImage 下载图片
// A 404 reports fs.ErrNotExist so callers can treat it like a missing file.
func DownloadImage(url string) (image.Image, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", url, fs.ErrNotExist)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status code %d", resp.StatusCode)
	}

	imgData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(imgData))
	return img, err
}
