package proxy

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// serveStatic serves name from dir. Missing files, directories and paths escaping dir are 404.
func serveStatic(w http.ResponseWriter, r *http.Request, dir, name string) bool {
	if dir == "" {
		return false
	}
	cleaned := path.Clean("/" + name)
	if strings.Contains(cleaned, "\x00") {
		return false
	}
	full := filepath.Join(dir, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	f, err := os.Open(full)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}
