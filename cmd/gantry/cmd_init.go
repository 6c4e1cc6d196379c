package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"gantry/internal/config"
	"gantry/internal/gavel"
	"gantry/internal/readiness"
	"gantry/internal/store"
)

// initCmd scaffolds a workspace: state directory, config, source registry,
// database schema, and the three project document templates.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a gantry workspace",
	Long: `Creates .gantry/ with config.yaml, the source registry, and an empty
database, and writes PRD.md, SPEC.md, and DECISION_LOG.md templates into
the workspace. Existing files are never overwritten.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	c := config.DefaultConfig(workspace)

	if err := os.MkdirAll(c.StateDir(), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	wrote, err := writeIfAbsent(configPath(), nil)
	if err != nil {
		return err
	}
	if wrote {
		if err := c.Save(configPath()); err != nil {
			return err
		}
		fmt.Println("wrote .gantry/config.yaml")
	}

	if wrote, err = writeIfAbsent(c.Review.RegistryPath, []byte(gavel.DefaultRegistryYAML)); err != nil {
		return err
	} else if wrote {
		fmt.Println("wrote .gantry/source_registry.yaml")
	}

	docs := []struct {
		name, body string
	}{
		{readiness.FilePRD, readiness.PRDTemplate},
		{readiness.FileSpec, readiness.SpecTemplate},
		{readiness.FileDecisionLog, readiness.DecisionLogTemplate},
	}
	for _, d := range docs {
		if wrote, err = writeIfAbsent(filepath.Join(workspace, d.name), []byte(d.body)); err != nil {
			return err
		} else if wrote {
			fmt.Printf("wrote %s\n", d.name)
		}
	}

	// Opening the store creates the schema.
	st, err := store.Open(c.Store.Path, c.GetBusyTimeout())
	if err != nil {
		return err
	}
	defer st.Close()

	fmt.Printf("workspace initialized at %s\n", workspace)
	return nil
}

// writeIfAbsent writes data to path unless the file exists. A nil data only
// probes; the caller writes through other means.
func writeIfAbsent(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if data == nil {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}
	return true, os.WriteFile(path, data, 0644)
}
