package testutil

import (
	"flag"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

var (
	testLogFile  = ""
	testLogLevel = "debug"
	testLogJSON  = false
)

func init() {
	flag.StringVar(&testLogFile, "test-log-file", testLogFile,
		"`file` to use for logging instead of the package default; - for standard error")
	flag.StringVar(&testLogLevel, "test-log-level", testLogLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	flag.BoolVar(&testLogJSON, "test-log-json", testLogJSON, "log as JSON")
}

// SetupLogger sends the standard logger to file, creating its directory if necessary, so
// that tests don't log to standard error. The flags registered by this package override file
// and the level.
func SetupLogger(file string) *log.Logger {
	if testLogFile != "" {
		file = testLogFile
	}
	if file == "-" {
		log.SetOutput(os.Stderr)
	} else {
		err := os.MkdirAll(filepath.Dir(file), 0755)
		if err != nil {
			panic(err)
		}
		w, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			panic(err)
		}
		log.SetOutput(w)
	}
	if testLogJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}

	ll, err := log.ParseLevel(testLogLevel)
	if err != nil {
		panic(err)
	}
	log.SetLevel(ll)

	log.WithFields(log.Fields{"pid": os.Getpid(), "args": os.Args[1:]}).Info("tests starting")
	return log.StandardLogger()
}
