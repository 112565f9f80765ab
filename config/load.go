package config

import (
	"fmt"
	"io"

	"github.com/hashicorp/hcl"
)

// Load sets params from an HCL config file; params set on the command line are left alone.
func (c *Config) Load(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	var cfg map[string]interface{}
	err = hcl.Decode(&cfg, string(b))
	if err != nil {
		return err
	}
	for name, val := range cfg {
		param, ok := c.params[name]
		if !ok {
			return fmt.Errorf("%s is not a config variable", name)
		}
		if (param.Options & NoConfigFile) != 0 {
			return fmt.Errorf("%s can't be set in config file", name)
		}
		if param.by == byFlag {
			continue
		}

		if sv, ok := param.Val.(setValue); ok {
			err = sv.SetValue(val)
		} else {
			err = param.Val.Set(fmt.Sprintf("%v", val))
		}
		if err != nil {
			return fmt.Errorf("%s: %s", name, err)
		}
		param.by = byConfig
	}

	return nil
}
