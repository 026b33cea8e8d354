package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marketsentry/perpsim/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgFile); err == nil {
			return fmt.Errorf("%s already exists", cfgFile)
		}
		if err := config.Default().SaveToFile(cfgFile); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", cfgFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
