package keyring

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// FilePassword unlocks the file backend: $WARDEN_KEYRING_PASSWORD if set, else a terminal prompt
func FilePassword(prompt string) (string, error) {
	if pw := os.Getenv(EnvPassword); pw != "" {
		return pw, nil
	}
	return PromptPassword(prompt)
}

// PromptPassword prompts the user to enter a password securely (no echo)
func PromptPassword(prompt string) (string, error) {
	// Try to open /dev/tty directly for terminal input
	// Fall back to stdin if tty is not available
	fd := int(os.Stdin.Fd())
	tty, err := os.Open("/dev/tty")
	if err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	}

	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("keyring password required: set %s or run in a terminal", EnvPassword)
	}

	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	passwordBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // Print newline after password input

	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	return string(passwordBytes), nil
}
