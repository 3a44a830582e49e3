package scaffold

import (
	"fmt"
	"os"
)

// CheckExisting checks if forge.yml already exists in the current
// directory. Returns an error if it does, nil otherwise.
func CheckExisting() error {
	if _, err := os.Stat("forge.yml"); err == nil {
		return fmt.Errorf("project already initialized\n\nFound existing: forge.yml\n\nUse 'forge init --force' to reinitialize (this will overwrite existing configuration)")
	}

	return nil
}
