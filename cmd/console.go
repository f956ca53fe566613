// Copyright © 2018 The ELPS authors

package cmd

import (
	"errors"
	"os"

	"github.com/luthersystems/clrdbg/debugger"
	"github.com/luthersystems/clrdbg/debugrepl"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	consolePID     int
	consoleCwd     string
	consoleHistory string
	consoleEnv     map[string]string
)

var consoleCmd = &cobra.Command{
	Use:   "console [flags] [program [args...]]",
	Short: "Debug a program from an interactive console",
	Long: `Start an interactive debug console. Given a program, the console launches
it stopped at its entry point. With --pid it attaches to a running process
instead, and quitting detaches and leaves the process running.

Type "help" at the (dbg) prompt for the list of commands. Ctrl+C pauses a
running program; Ctrl+D quits.

Examples:
  clrdbg console ./bin/Debug/net8.0/App.dll
  clrdbg console --cwd /srv/app --env DOTNET_ENVIRONMENT=Staging App.dll --verbose
  clrdbg console --pid 4242`,
	Args: func(cmd *cobra.Command, args []string) error {
		if consolePID != 0 && len(args) > 0 {
			return errors.New("a program and --pid are mutually exclusive")
		}
		if consolePID == 0 && len(args) == 0 {
			return errors.New("nothing to debug: pass a program or --pid")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, fs, err := newEngine(viper.GetViper(), os.Stderr)
		if err != nil {
			return err
		}
		target := debugrepl.Target{PID: consolePID}
		if len(args) > 0 {
			target.Launch = debugger.LaunchConfig{
				Program: args[0],
				Args:    args[1:],
				Cwd:     consoleCwd,
				Env:     consoleEnv,
			}
		}
		opts := []debugrepl.Option{debugrepl.WithFS(fs)}
		if cmd.Flags().Changed("history") {
			opts = append(opts, debugrepl.WithHistoryFile(consoleHistory))
		}
		return debugrepl.Run(cmd.Context(), engine, target, opts...)
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)

	consoleCmd.Flags().IntVar(&consolePID, "pid", 0,
		"Attach to the running process with this id")
	consoleCmd.Flags().StringVar(&consoleCwd, "cwd", "",
		"Working directory of the launched program")
	consoleCmd.Flags().StringToStringVar(&consoleEnv, "env", nil,
		"Extra environment for the launched program, as KEY=VALUE pairs")
	consoleCmd.Flags().StringVar(&consoleHistory, "history", "",
		`Console history file (default "$HOME/.clrdbg_history", "" disables)`)
	// Program arguments that look like flags belong to the program.
	consoleCmd.Flags().SetInterspersed(false)
}
