// Copyright © 2018 The ELPS authors

package cmd

import (
	"os"

	"github.com/luthersystems/clrdbg/dapserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var dapCmd = &cobra.Command{
	Use:   "dap",
	Short: "Serve the Debug Adapter Protocol on stdin/stdout",
	Long: `Run a Debug Adapter Protocol server over stdin and stdout, for editors
(VS Code, Neovim, Helix, etc.) that start the debug adapter as a child
process. The client chooses what to debug with a launch or attach request:

  launch   {"program": "app.dll", "args": [], "cwd": "", "env": {}, "stopAtEntry": false}
  attach   {"processId": 4242}

Logs are written to stderr so they never mix with protocol traffic.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, log, _, err := newEngine(viper.GetViper(), os.Stderr)
		if err != nil {
			return err
		}
		srv := dapserver.New(engine, dapserver.WithLogger(log))
		log.Info("DAP server: using stdio transport")
		return srv.ServeStdio(os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(dapCmd)
}
