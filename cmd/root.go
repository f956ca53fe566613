// Copyright © 2018 The ELPS authors

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "clrdbg",
	Short: "clrdbg: a debugger for managed runtime processes",
	Long: `clrdbg launches or attaches to a managed runtime process and drives it
under a debugger: breakpoints, stepping, pause and continue, stack and variable
inspection, and evaluation of expressions against the live process.

Getting started:
  clrdbg dap                         Serve the Debug Adapter Protocol on stdio
  clrdbg console app.dll arg1        Debug a program from an interactive console
  clrdbg console --pid 4242          Attach the console to a running process
  clrdbg backends                    List the available native backends

Configuration is read from $HOME/.clrdbg.yaml (or --config) and from
CLRDBG_* environment variables, for example CLRDBG_EVAL_TIMEOUT=30s.

Keys:
  backend              native backend to debug with (default "sim")
  log-level            logrus level: trace, debug, info, warn, error
  log-format           "text" or "json"
  startup-timeout      wait for the runtime of a launched program to start
  native-timeout       bound on native stop, detach and kill requests
  eval-timeout         bound on a single expression evaluation
  max-string-length    truncate displayed strings (0 disables)`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	setDefaults(viper.GetViper())

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.clrdbg.yaml)")
	flags.String("backend", defaultBackend, "native backend to debug with")
	flags.String("log-level", defaultLogLevel, "log level (trace, debug, info, warn, error)")
	flags.String("log-format", defaultLogFormat, `log format: "text" or "json"`)
	for _, key := range []string{"backend", "log-level", "log-format"} {
		if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
			panic(err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Search config in home directory with name ".clrdbg" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".clrdbg")
	}

	viper.SetEnvPrefix("clrdbg")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in. Stdout may carry protocol
	// traffic so the notice goes to stderr.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
