package orchestrator

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".avi":  true,
	".m4v":  true,
	".webm": true,
}

// PickMediaItem chooses one video file from folder uniformly at random.
func PickMediaItem(folder string) (string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return "", fmt.Errorf("orchestrator: reading media folder %q: %w", folder, err)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if videoExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			candidates = append(candidates, filepath.Join(folder, e.Name()))
		}
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("orchestrator: no media items found in %q", folder)
	}

	return candidates[rand.Intn(len(candidates))], nil
}
