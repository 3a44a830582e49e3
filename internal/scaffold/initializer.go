// Package scaffold creates the initial forge project structure: a
// commented forge.yml describing the coordinator and the worker pool.
package scaffold

import (
	"embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*
var templatesFS embed.FS

// Initialize creates the forge project structure in the current
// directory. If force is true, an existing forge.yml is removed first.
func Initialize(force bool) error {
	if force {
		if err := handleForce(); err != nil {
			return err
		}
	}

	content, err := templatesFS.ReadFile("templates/forge.yml.tmpl")
	if err != nil {
		return fmt.Errorf("failed to read forge.yml template: %w", err)
	}

	if err := os.WriteFile("forge.yml", content, 0644); err != nil {
		return fmt.Errorf("failed to write forge.yml: %w", err)
	}

	return validateCreatedFiles()
}

// handleForce removes existing files if --force was specified
func handleForce() error {
	if _, err := os.Stat("forge.yml"); err == nil {
		fmt.Println("⚠ Removing existing forge.yml...")
		if err := os.Remove("forge.yml"); err != nil {
			return fmt.Errorf("failed to remove forge.yml: %w", err)
		}
	}

	return nil
}

// validateCreatedFiles validates that the created forge.yml parses.
func validateCreatedFiles() error {
	content, err := os.ReadFile("forge.yml")
	if err != nil {
		return fmt.Errorf("failed to read created forge.yml: %w", err)
	}

	var yamlData interface{}
	if err := yaml.Unmarshal(content, &yamlData); err != nil {
		return fmt.Errorf("created forge.yml is not valid YAML: %w", err)
	}

	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess() {
	fmt.Println("\n✅ Successfully initialized forge project!")
	fmt.Println("\nCreated:")
	fmt.Println("  ✓ forge.yml")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Customize forge.yml to describe your worker pool")
	fmt.Println("  2. Run 'forge up' to start the build farm")
	fmt.Println("  3. Run 'forge build <target>...' to submit a build")
}
