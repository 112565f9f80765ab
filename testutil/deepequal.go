package testutil

import (
	"fmt"
	"reflect"
)

type comparer struct {
	seen map[[2]uintptr]bool
}

// visit reports whether the pair of pointers has already been compared; cycles compare
// equal.
func (cmp *comparer) visit(v1, v2 reflect.Value) bool {
	key := [2]uintptr{v1.Pointer(), v2.Pointer()}
	if cmp.seen[key] {
		return true
	}
	cmp.seen[key] = true
	return false
}

func (cmp *comparer) equal(path string, v1, v2 reflect.Value) (bool, string) {
	if !v1.IsValid() || !v2.IsValid() {
		if v1.IsValid() != v2.IsValid() {
			return false, fmt.Sprintf("%s: %v != %v", path, v1, v2)
		}
		return true, ""
	}
	if v1.Type() != v2.Type() {
		return false, fmt.Sprintf("%s: %s != %s", path, v1.Type(), v2.Type())
	}

	switch v1.Kind() {
	case reflect.Array:
		for i := 0; i < v1.Len(); i++ {
			if ok, s := cmp.equal(fmt.Sprintf("%s[%d]", path, i), v1.Index(i),
				v2.Index(i)); !ok {

				return false, s
			}
		}
	case reflect.Slice:
		if v1.IsNil() != v2.IsNil() || v1.Len() != v2.Len() {
			return false, fmt.Sprintf("%s: %#v != %#v", path, v1, v2)
		}
		if v1.Len() == 0 || cmp.visit(v1, v2) {
			return true, ""
		}
		for i := 0; i < v1.Len(); i++ {
			if ok, s := cmp.equal(fmt.Sprintf("%s[%d]", path, i), v1.Index(i),
				v2.Index(i)); !ok {

				return false, s
			}
		}
	case reflect.Interface:
		if v1.IsNil() || v2.IsNil() {
			if v1.IsNil() != v2.IsNil() {
				return false, fmt.Sprintf("%s: %v != %v", path, v1, v2)
			}
			return true, ""
		}
		return cmp.equal(path, v1.Elem(), v2.Elem())
	case reflect.Ptr:
		if v1.IsNil() || v2.IsNil() {
			if v1.IsNil() != v2.IsNil() {
				return false, fmt.Sprintf("%s: %v != %v", path, v1, v2)
			}
			return true, ""
		}
		if cmp.visit(v1, v2) {
			return true, ""
		}
		return cmp.equal("*"+path, v1.Elem(), v2.Elem())
	case reflect.Struct:
		for i := 0; i < v1.NumField(); i++ {
			if ok, s := cmp.equal(path+"."+v1.Type().Field(i).Name, v1.Field(i),
				v2.Field(i)); !ok {

				return false, s
			}
		}
	case reflect.Map:
		if v1.IsNil() != v2.IsNil() || v1.Len() != v2.Len() {
			return false, fmt.Sprintf("%s: %#v != %#v", path, v1, v2)
		}
		if v1.Len() == 0 || cmp.visit(v1, v2) {
			return true, ""
		}
		for _, k := range v1.MapKeys() {
			val2 := v2.MapIndex(k)
			if !val2.IsValid() {
				return false, fmt.Sprintf("%s[%v]: missing", path, k)
			}
			if ok, s := cmp.equal(fmt.Sprintf("%s[%v]", path, k), v1.MapIndex(k),
				val2); !ok {

				return false, s
			}
		}
	case reflect.Func:
		if !v1.IsNil() || !v2.IsNil() {
			return false, fmt.Sprintf("%s: func values are only equal if both are nil", path)
		}
	default:
		if v1.CanInterface() && v2.CanInterface() {
			if v1.Interface() != v2.Interface() {
				return false, fmt.Sprintf("%s: %#v != %#v", path, v1, v2)
			}
		} else if fmt.Sprint(v1) != fmt.Sprint(v2) {
			return false, fmt.Sprintf("%s: %v != %v", path, v1, v2)
		}
	}
	return true, ""
}

// DeepEqual is reflect.DeepEqual, but when x and y differ, the optional trc is set to the
// path of the first difference.
func DeepEqual(x, y interface{}, trc ...*string) bool {
	if len(trc) > 1 {
		panic("testutil: DeepEqual: more than one trace argument")
	}

	cmp := comparer{seen: map[[2]uintptr]bool{}}
	eq, s := cmp.equal("", reflect.ValueOf(x), reflect.ValueOf(y))
	if len(trc) == 1 && trc[0] != nil {
		*trc[0] = s
	}
	return eq
}
