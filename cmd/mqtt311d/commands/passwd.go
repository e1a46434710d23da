package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/vitalvas/mqtt311"
)

var passwdCost int

var passwdCmd = &cobra.Command{
	Use:   "passwd <password>",
	Short: "Print a bcrypt hash for the auth.users section",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := mqtt311.HashPassword(args[0], passwdCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	passwdCmd.Flags().IntVar(&passwdCost, "cost", bcrypt.DefaultCost, "bcrypt cost factor")
	rootCmd.AddCommand(passwdCmd)
}
