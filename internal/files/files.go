package files

import (
	"os"
	"path/filepath"
)

// First returns the first of names, resolved against dir, whose file info satisfies match.
// It returns "" if none do.
func First(dir string, names []string, match func(os.FileInfo) bool) string {
	for _, name := range names {
		p := filepath.Join(dir, name)
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		if match == nil || match(fi) {
			return p
		}
	}
	return ""
}

func IsExecutable(fi os.FileInfo) bool {
	return fi.Mode().IsRegular() && fi.Mode().Perm()&0111 != 0
}

func IsRegular(fi os.FileInfo) bool {
	return fi.Mode().IsRegular()
}

// Exists reports whether any of names exist in dir.
func Exists(dir string, names ...string) bool {
	return First(dir, names, nil) != ""
}
