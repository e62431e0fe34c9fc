package command

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zjrosen/banshee/internal/fsutil"
)

// ImageDirName is the directory under os.TempDir holding pasted images.
const ImageDirName = "banshee-images"

// SaveTempImage decodes base64 data, optionally prefixed with a
// "data:<mime>;base64," header, and writes it to <tmp>/banshee-images/<name>.
// It returns the written path.
func SaveTempImage(data, name string) (string, error) {
	return saveImage(filepath.Join(os.TempDir(), ImageDirName), data, name)
}

func saveImage(dir, data, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid image name %q", name)
	}

	if strings.HasPrefix(data, "data:") {
		if _, rest, ok := strings.Cut(data, ","); ok {
			data = rest
		}
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(raw) == 0 {
		return "", errors.New("image data is empty")
	}

	path := filepath.Join(dir, name)
	if err := fsutil.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("failed to write image file: %w", err)
	}
	return path, nil
}
