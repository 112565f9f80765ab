package engine

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/storage/vfs"
)

const (
	ControlFile = "control.yaml"
	CatalogFile = "catalog.db"
	LogDir      = "log"
	DataDir     = "seg0"

	controlVersion = 1
)

// Control is the control file of a database: what it is, and where recovery starts.
type Control struct {
	Version    int       `yaml:"version"`
	UUID       string    `yaml:"uuid"`
	PageSize   int       `yaml:"page_size"`
	Created    time.Time `yaml:"created"`
	Checkpoint uint64    `yaml:"checkpoint"`
	// Clean is set when the database was last shut down cleanly.
	Clean bool `yaml:"clean"`
}

func newControl(pageSize int) Control {
	return Control{
		Version:  controlVersion,
		UUID:     uuid.New().String(),
		PageSize: pageSize,
		Created:  time.Now().UTC().Truncate(time.Second),
	}
}

// ReadControl reads the control file of the database in dir.
func ReadControl(fs vfs.FS, dir string) (Control, error) {
	name := filepath.Join(dir, ControlFile)
	b, err := vfs.ReadFile(fs, name)
	if err != nil {
		return Control{}, fmt.Errorf("engine: %s: %w", name, err)
	}

	var ctl Control
	err = yaml.Unmarshal(b, &ctl)
	if err != nil {
		return Control{}, fmt.Errorf("engine: %s: %w", name, err)
	}
	if ctl.Version != controlVersion {
		return Control{}, fmt.Errorf("engine: %s: unsupported version: %d", name, ctl.Version)
	}
	if _, err := uuid.Parse(ctl.UUID); err != nil {
		return Control{}, fmt.Errorf("engine: %s: bad uuid: %w", name, err)
	}
	if !page.ValidSize(ctl.PageSize) {
		return Control{}, fmt.Errorf("engine: %s: bad page size: %d", name, ctl.PageSize)
	}
	return ctl, nil
}

func writeControl(fs vfs.FS, dir string, ctl Control) error {
	b, err := yaml.Marshal(ctl)
	if err != nil {
		return fmt.Errorf("engine: control: %w", err)
	}
	name := filepath.Join(dir, ControlFile)
	err = vfs.WriteFileAtomic(fs, name, b)
	if err != nil {
		return fmt.Errorf("engine: %s: %w", name, err)
	}
	return nil
}
