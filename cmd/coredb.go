package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/leftmike/coredb/config"
	"github.com/leftmike/coredb/engine"
	"github.com/leftmike/coredb/flags"
	"github.com/leftmike/coredb/wal"
)

var (
	coredbCmd = &cobra.Command{
		Use:               "coredb",
		Short:             "A transactional storage engine",
		Long:              "Coredb is a page based storage engine with write ahead logging.",
		SilenceUsage:      true,
		PersistentPreRunE: coredbPreRun,
		PersistentPostRun: coredbPostRun,
	}

	cfg  = config.NewConfig()
	flgs = flags.Config(cfg)

	dataDir   = cfg.StringParam(new(string), "data", "coredb", config.NoUpdate)
	logFile   = cfg.StringParam(new(string), "log_file", "coredb.log", config.NoUpdate)
	logLevel  = cfg.StringParam(new(string), "log_level", "info", config.Default)
	pageSize  = cfg.IntParam(new(int), "page_size", engine.DefaultPageSize, config.NoUpdate)
	frames    = cfg.IntParam(new(int), "buffer_frames", engine.DefaultFrames, config.NoUpdate)
	cacheSize = cfg.Int64Param(new(int64), "page_cache_size", 0, config.NoUpdate)

	lockTimeout = cfg.DurationParam(new(time.Duration), "lock_timeout", 5*time.Second,
		config.Default)
	deadlockInterval = cfg.DurationParam(new(time.Duration), "deadlock_interval",
		100*time.Millisecond, config.NoUpdate)
	escalation = cfg.IntParam(new(int), "lock_escalation_threshold", 1000, config.NoUpdate)
	checkpointInterval = cfg.DurationParam(new(time.Duration), "checkpoint_interval",
		time.Minute, config.NoUpdate)

	logSegmentSize = cfg.Int64Param(new(int64), "log_segment_size", wal.DefaultSegmentSize,
		config.NoUpdate)
	logMaxSize = cfg.Int64Param(new(int64), "log_max_size", 0, config.NoUpdate)

	logStderr  = false
	logWriter  io.WriteCloser
	configFile = "coredb.hcl"
	noConfig   = false
	setArgs    []string

	// cfgFlags maps command line flags to the params they set.
	cfgFlags = map[string]string{}
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := coredbCmd.PersistentFlags()

	fs.StringP("data", "d", *dataDir, "`directory` containing the database")
	cfgFlags["data"] = "data"

	fs.String("log-file", *logFile, "`file` to use for logging")
	cfgFlags["log-file"] = "log_file"

	fs.String("log-level", *logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	cfgFlags["log-level"] = "log_level"

	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")
	fs.StringArrayVar(&setArgs, "set", nil, "set a config `param=value`; multiple allowed")

	flags.ListFlags(
		func(nam string, f flags.Flag) {
			flg := strings.ReplaceAll(nam, "_", "-")
			fs.Bool(flg, flgs.GetFlag(f), f.Usage())
			cfgFlags[flg] = nam
		})
}

func Execute() error {
	return coredbCmd.Execute()
}

func setFlags(fs *pflag.FlagSet) error {
	var err error
	fs.Visit(
		func(flg *pflag.Flag) {
			if param, ok := cfgFlags[flg.Name]; ok && err == nil {
				err = cfg.Set(param, flg.Value.String())
			}
		})
	if err != nil {
		return err
	}

	for _, arg := range setArgs {
		err = cfg.SetArg(arg)
		if err != nil {
			return err
		}
	}
	return nil
}

func coredbPreRun(cmd *cobra.Command, args []string) error {
	err := setFlags(cmd.Flags())
	if err != nil {
		return fmt.Errorf("coredb: %s", err)
	}

	if configFile != "" && !noConfig {
		// A missing config file is only an error if it was named on the command line.
		err = cfg.LoadFile(configFile)
		if err != nil && (cmd.Flags().Changed("config-file") || !os.IsNotExist(err)) {
			return fmt.Errorf("coredb: %s", err)
		}
	}

	if !logStderr && *logFile != "" {
		logWriter, err = os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("coredb: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("coredb: %s", err)
	}
	log.SetLevel(ll)

	log.WithFields(log.Fields{"pid": os.Getpid(), "command": cmd.Name()}).
		Info("coredb starting")
	return nil
}

func coredbPostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("coredb done")

	if logWriter != nil {
		logWriter.Close()
	}
}

func engineOptions() engine.Options {
	opts := engine.Options{
		PageSize:           *pageSize,
		Frames:             *frames,
		CacheSize:          *cacheSize,
		LockTimeout:        *lockTimeout,
		DeadlockInterval:   *deadlockInterval,
		CheckpointInterval: *checkpointInterval,
		Log: wal.Options{
			SegmentSize: *logSegmentSize,
			MaxSize:     *logMaxSize,
			Archive:     flgs.GetFlag(flags.LogArchive),
		},
		DirectIO:   flgs.GetFlag(flags.DirectIO),
		EagerMerge: flgs.GetFlag(flags.EagerMerge),
		GhostPurge: flgs.GetFlag(flags.GhostPurge),
	}
	if flgs.GetFlag(flags.LockEscalation) {
		opts.Escalation = *escalation
	}
	return opts
}
