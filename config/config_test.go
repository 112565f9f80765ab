package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/leftmike/coredb/config"
)

func TestParams(t *testing.T) {
	c := config.NewConfig()
	b := c.BoolParam(new(bool), "bool", true, config.Default)
	i := c.IntParam(new(int), "int", 123, config.NoUpdate)
	d := c.DurationParam(new(time.Duration), "duration", time.Second, config.Default)
	s := c.StringParam(new(string), "string", "default", config.NoConfigFile)
	if *b != true || *i != 123 || *d != time.Second || *s != "default" {
		t.Errorf("defaults not correctly set")
	}

	err := c.Set("int", "456")
	if err != nil {
		t.Fatalf("Set(int) failed with %s", err)
	}
	if *i != 456 {
		t.Errorf("Set(int) got %d want 456", *i)
	}
	err = c.SetArg("duration = 250ms")
	if err != nil {
		t.Fatalf("SetArg(duration) failed with %s", err)
	}
	if *d != 250*time.Millisecond {
		t.Errorf("SetArg(duration) got %s want 250ms", *d)
	}

	err = c.Update("int", "789")
	if err == nil {
		t.Errorf("Update(int) did not fail")
	}
	err = c.Update("bool", "false")
	if err != nil {
		t.Errorf("Update(bool) failed with %s", err)
	} else if *b != false {
		t.Errorf("Update(bool) got %v want false", *b)
	}
	err = c.Set("missing", "1")
	if err == nil {
		t.Errorf("Set(missing) did not fail")
	}
	err = c.SetArg("int")
	if err == nil {
		t.Errorf("SetArg(int) did not fail")
	}
	err = c.Set("int", "abc")
	if err == nil {
		t.Errorf("Set(int, abc) did not fail")
	}

	param, ok := c.Lookup("int")
	if !ok || param.By() != "flag" {
		t.Errorf("Lookup(int) got %v %v", param, ok)
	}

	var names []string
	for _, param := range c.AllParams() {
		names = append(names, param.Name)
	}
	if strings.Join(names, ",") != "bool,duration,int,string" {
		t.Errorf("AllParams() got %v", names)
	}

	var buf strings.Builder
	c.List(&buf)
	want := "bool=false\nduration=250ms\nint=456\nstring=default\n"
	if buf.String() != want {
		t.Errorf("List() got %q want %q", buf.String(), want)
	}
}

func TestRedefine(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("IntParam(twice) did not panic")
		}
	}()

	c := config.NewConfig()
	c.IntParam(new(int), "twice", 1, config.Default)
	c.IntParam(new(int), "twice", 2, config.Default)
}

func TestOption(t *testing.T) {
	cases := []struct {
		o config.Option
		s string
	}{
		{config.Default, "Default"},
		{config.NoUpdate, "NoUpdate"},
		{config.NoConfigFile, "NoConfigFile"},
		{config.NoUpdate | config.NoConfigFile, "NoUpdate | NoConfigFile"},
	}

	for _, c := range cases {
		if c.o.String() != c.s {
			t.Errorf("Option(%d).String() got %s want %s", c.o, c.o.String(), c.s)
		}
	}
}
