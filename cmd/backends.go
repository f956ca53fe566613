// Copyright © 2024 The ELPS authors

package cmd

import (
	"fmt"

	"github.com/luthersystems/clrdbg/native"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List the available native backends",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		current := viper.GetString("backend")
		for _, name := range native.Backends() {
			marker := " "
			if name == current {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name) //nolint:errcheck
		}
	},
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}
