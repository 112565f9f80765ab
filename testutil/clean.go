package testutil

import (
	"os"
	"path/filepath"
)

// CleanDir removes everything in dir except for the entries named in keeps; a missing dir
// is created.
func CleanDir(dir string, keeps []string) error {
	ents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	} else if err != nil {
		return err
	}

	keep := map[string]bool{}
	for _, k := range keeps {
		keep[k] = true
	}
	for _, ent := range ents {
		if keep[ent.Name()] {
			continue
		}
		err = os.RemoveAll(filepath.Join(dir, ent.Name()))
		if err != nil {
			return err
		}
	}
	return nil
}
