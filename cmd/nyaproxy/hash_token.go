package main

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

// readPassword is a package var so tests can substitute a non-TTY reader,
// the same seam the teacher's cmd/pulse/config.go uses for term.ReadPassword.
var readPassword = term.ReadPassword

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token",
	Short: "Hash an admin bearer token with bcrypt and print the hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print("Admin token: ")
		raw, err := readPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
		if len(raw) == 0 {
			return fmt.Errorf("token must not be empty")
		}

		hash, err := bcrypt.GenerateFromPassword(raw, bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash token: %w", err)
		}

		fmt.Println(string(hash))
		return nil
	},
}
