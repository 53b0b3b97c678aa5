package IO

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// ensureParent creates the directory that will hold path.
func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// ArtifactPath names a run artifact, e.g. models/<model>.ckpt.
func ArtifactPath(dir, model, ext string) string {
	return filepath.Join(dir, model+"."+strings.TrimPrefix(ext, "."))
}

// FindFile returns the first existing candidate, falling back to the first
// file under root whose name contains hint.
func FindFile(root, hint string, candidates ...string) (string, error) {
	for _, p := range candidates {
		if fileExists(p) {
			return p, nil
		}
	}
	var first string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && first == "" &&
			strings.Contains(strings.ToLower(d.Name()), hint) {
			first = path
		}
		return nil
	})
	if first == "" {
		return "", fmt.Errorf("no %s file under %s", hint, root)
	}
	return first, nil
}
