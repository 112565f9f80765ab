// Package config is a registry of named parameters which may be set from a config file, the
// command line, or updated while running.
package config

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

type Value interface {
	Set(string) error
	String() string
}

// setValue is implemented by values which can be set from a decoded config file value.
type setValue interface {
	SetValue(v interface{}) error
}

type Option int

const (
	Default      Option = 0
	NoUpdate     Option = 1 << iota // can not be updated after startup
	NoConfigFile                    // can not be specified in a config file
)

func addOption(s, opt string) string {
	if s != "" {
		s += " | "
	}
	return s + opt
}

func (o Option) String() string {
	var s string
	if (o & NoUpdate) != 0 {
		s = addOption(s, "NoUpdate")
	}
	if (o & NoConfigFile) != 0 {
		s = addOption(s, "NoConfigFile")
	}
	if s == "" {
		return "Default"
	}
	return s
}

type setBy int

const (
	byDefault setBy = iota
	byConfig
	byFlag
	byUpdate
)

func (by setBy) String() string {
	switch by {
	case byDefault:
		return "default"
	case byConfig:
		return "config"
	case byFlag:
		return "flag"
	case byUpdate:
		return "update"
	}
	return fmt.Sprintf("setBy(%d)", int(by))
}

type Param struct {
	Name    string
	Val     Value
	Options Option
	by      setBy
}

// By returns how the param was last set: default, config, flag or update.
func (param *Param) By() string {
	return param.by.String()
}

type Config struct {
	params map[string]*Param
}

func NewConfig() *Config {
	return &Config{
		params: map[string]*Param{},
	}
}

func (c *Config) Lookup(name string) (*Param, bool) {
	param, ok := c.params[name]
	return param, ok
}

func (c *Config) AllParams() []*Param {
	list := make([]*Param, 0, len(c.params))
	for _, param := range c.params {
		list = append(list, param)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

func (c *Config) List(w io.Writer) {
	for _, param := range c.AllParams() {
		fmt.Fprintf(w, "%s=%s\n", param.Name, param.Val)
	}
}

func (c *Config) setParam(name, val string, by setBy) error {
	param, ok := c.params[name]
	if !ok {
		return fmt.Errorf("config: %s is not a param", name)
	}
	if by == byUpdate && (param.Options&NoUpdate) != 0 {
		return fmt.Errorf("config: %s may not be updated", name)
	}

	err := param.Val.Set(val)
	if err != nil {
		return fmt.Errorf("config: param %s: %s", name, err)
	}
	param.by = by
	return nil
}

// Set sets the param name from the command line; a value set this way is not changed by
// loading a config file.
func (c *Config) Set(name, val string) error {
	return c.setParam(name, val, byFlag)
}

// SetArg sets a param from an argument of the form name=value.
func (c *Config) SetArg(arg string) error {
	ss := strings.SplitN(arg, "=", 2)
	if len(ss) != 2 {
		return fmt.Errorf("config: expected name=value; got %s", arg)
	}
	return c.Set(strings.TrimSpace(ss[0]), strings.TrimSpace(ss[1]))
}

// Update changes the param name after startup.
func (c *Config) Update(name, val string) error {
	return c.setParam(name, val, byUpdate)
}

func (c *Config) LoadFile(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	err = c.Load(f)
	if err != nil {
		return fmt.Errorf("%s: %s", name, err)
	}
	return nil
}

func (c *Config) param(val Value, name string, opts Option) {
	if _, ok := c.params[name]; ok {
		panic(fmt.Sprintf("config: param redefined: %s", name))
	}
	c.params[name] = &Param{Name: name, Val: val, Options: opts}
}

func (c *Config) Parameter(val Value, name string, opts Option) {
	c.param(val, name, opts)
}

func (c *Config) BoolParam(p *bool, name string, b bool, opts Option) *bool {
	*p = b
	c.param((*boolValue)(p), name, opts)
	return p
}

func (c *Config) DurationParam(p *time.Duration, name string, d time.Duration,
	opts Option) *time.Duration {

	*p = d
	c.param((*durationValue)(p), name, opts)
	return p
}

func (c *Config) Float64Param(p *float64, name string, f float64, opts Option) *float64 {
	*p = f
	c.param((*float64Value)(p), name, opts)
	return p
}

func (c *Config) IntParam(p *int, name string, i int, opts Option) *int {
	*p = i
	c.param((*intValue)(p), name, opts)
	return p
}

func (c *Config) Int64Param(p *int64, name string, i int64, opts Option) *int64 {
	*p = i
	c.param((*int64Value)(p), name, opts)
	return p
}

func (c *Config) StringParam(p *string, name string, s string, opts Option) *string {
	*p = s
	c.param((*stringValue)(p), name, opts)
	return p
}

func (c *Config) Uint64Param(p *uint64, name string, u uint64, opts Option) *uint64 {
	*p = u
	c.param((*uint64Value)(p), name, opts)
	return p
}
