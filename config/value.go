package config

import (
	"fmt"
	"strconv"
	"time"
)

type boolValue bool

func (b *boolValue) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*b = boolValue(v)
	return nil
}

func (b *boolValue) SetValue(v interface{}) error {
	bv, ok := v.(bool)
	if !ok {
		return fmt.Errorf("parsing %v: invalid syntax", v)
	}
	*b = boolValue(bv)
	return nil
}

func (b *boolValue) String() string {
	return strconv.FormatBool(bool(*b))
}

type intValue int

func (i *intValue) Set(s string) error {
	v, err := strconv.ParseInt(s, 0, strconv.IntSize)
	if err != nil {
		return err
	}
	*i = intValue(v)
	return nil
}

func (i *intValue) SetValue(v interface{}) error {
	iv, ok := v.(int)
	if !ok {
		return fmt.Errorf("parsing %v: invalid syntax", v)
	}
	*i = intValue(iv)
	return nil
}

func (i *intValue) String() string {
	return strconv.Itoa(int(*i))
}

type int64Value int64

func (i *int64Value) Set(s string) error {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return err
	}
	*i = int64Value(v)
	return nil
}

func (i *int64Value) SetValue(v interface{}) error {
	iv, ok := v.(int)
	if !ok {
		return fmt.Errorf("parsing %v: invalid syntax", v)
	}
	*i = int64Value(iv)
	return nil
}

func (i *int64Value) String() string {
	return strconv.FormatInt(int64(*i), 10)
}

type uint64Value uint64

func (u *uint64Value) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return err
	}
	*u = uint64Value(v)
	return nil
}

func (u *uint64Value) SetValue(v interface{}) error {
	iv, ok := v.(int)
	if !ok || iv < 0 {
		return fmt.Errorf("parsing %v: invalid syntax", v)
	}
	*u = uint64Value(iv)
	return nil
}

func (u *uint64Value) String() string {
	return strconv.FormatUint(uint64(*u), 10)
}

type stringValue string

func (s *stringValue) Set(val string) error {
	*s = stringValue(val)
	return nil
}

func (s *stringValue) SetValue(v interface{}) error {
	sv, ok := v.(string)
	if !ok {
		return fmt.Errorf("parsing %v: invalid syntax", v)
	}
	return s.Set(sv)
}

func (s *stringValue) String() string {
	return string(*s)
}

type float64Value float64

func (f *float64Value) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = float64Value(v)
	return nil
}

func (f *float64Value) SetValue(v interface{}) error {
	switch v := v.(type) {
	case float64:
		*f = float64Value(v)
		return nil
	case int:
		*f = float64Value(v)
		return nil
	}
	return fmt.Errorf("parsing %v: invalid syntax", v)
}

func (f *float64Value) String() string {
	return strconv.FormatFloat(float64(*f), 'g', -1, 64)
}

type durationValue time.Duration

func (d *durationValue) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = durationValue(v)
	return nil
}

func (d *durationValue) SetValue(v interface{}) error {
	switch v := v.(type) {
	case string:
		return d.Set(v)
	case int:
		*d = durationValue(v)
		return nil
	}
	return fmt.Errorf("parsing %v: invalid syntax", v)
}

func (d *durationValue) String() string {
	return (*time.Duration)(d).String()
}
