package testutil

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// FileLineNumber is where a test step was written, so that a failing step in a table can be
// found.
type FileLineNumber struct {
	File string
	Line int
}

func (fln FileLineNumber) String() string {
	if fln.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d: ", fln.File, fln.Line)
}

// MakeFileLineNumber returns the location of the caller of the function which called it:
// tests wrap it in a local fln() helper.
func MakeFileLineNumber() FileLineNumber {
	pc := make([]uintptr, 1)
	if runtime.Callers(3, pc) == 0 {
		return FileLineNumber{}
	}
	frame, _ := runtime.CallersFrames(pc).Next()
	return FileLineNumber{File: filepath.Base(frame.File), Line: frame.Line}
}
