// Copyright © 2024 The ELPS authors

package cmd

import (
	"fmt"
	"io"

	"github.com/luthersystems/clrdbg/debugger"
	"github.com/luthersystems/clrdbg/native"
	"github.com/luthersystems/clrdbg/native/simrt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

const (
	defaultBackend   = "sim"
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// setDefaults registers every configuration key so that environment
// variables are seen by Unmarshal.
func setDefaults(v *viper.Viper) {
	def := debugger.DefaultConfig()
	v.SetDefault("backend", defaultBackend)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-format", defaultLogFormat)
	v.SetDefault("startup-timeout", def.StartupTimeout)
	v.SetDefault("native-timeout", def.NativeTimeout)
	v.SetDefault("eval-timeout", def.EvalTimeout)
	v.SetDefault("max-string-length", def.MaxStringLength)
}

// loadConfig decodes the engine tunables. Durations accept strings such as
// "30s".
func loadConfig(v *viper.Viper) (debugger.Config, error) {
	var cfg debugger.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return debugger.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the logger for the engine and protocol servers.
func newLogger(v *viper.Viper, w io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(w)
	level, err := logrus.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	switch format := v.GetString("log-format"); format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return log, nil
}

// newEngine opens the configured backend and builds an engine over it.
func newEngine(v *viper.Viper, logOut io.Writer) (*debugger.Engine, *logrus.Logger, afero.Fs, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := newLogger(v, logOut)
	if err != nil {
		return nil, nil, nil, err
	}
	backend := v.GetString("backend")
	shim, err := native.Open(backend)
	if err != nil {
		return nil, nil, nil, err
	}
	fs := afero.NewOsFs()
	if backend == defaultBackend {
		fs, err = simFS()
		if err != nil {
			return nil, nil, nil, err
		}
	}
	log.WithFields(logrus.Fields{
		"backend":        backend,
		"evalTimeout":    cfg.EvalTimeout,
		"startupTimeout": cfg.StartupTimeout,
	}).Debug("engine configured")
	e := debugger.New(shim,
		debugger.WithConfig(cfg),
		debugger.WithLogger(log),
		debugger.WithFS(fs),
	)
	return e, log, fs, nil
}

// simFS layers the simulated demo assembly over a read-only view of the
// host filesystem. Writes land in memory.
func simFS() (afero.Fs, error) {
	layer := afero.NewMemMapFs()
	if err := afero.WriteFile(layer, simrt.DemoAssembly, []byte("MZ"), 0o644); err != nil {
		return nil, err
	}
	return afero.NewCopyOnWriteFs(afero.NewReadOnlyFs(afero.NewOsFs()), layer), nil
}
