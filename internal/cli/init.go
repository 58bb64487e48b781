package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ralphrun/ralph/internal/config"
	"github.com/ralphrun/ralph/internal/registry"
	"github.com/ralphrun/ralph/internal/rpc"
)

// runScaffold implements spec §6's `--init`: create the user config file
// (if absent) and the data directories the registry database and per-loop
// sockets live under. Grounded on adaf's internal/store.Init directory-
// creation pattern, narrowed to ralph's flat data layout (no per-project
// store tree).
func runScaffold() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	dir, err := dataDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(rpc.SocketDir(dir), 0700); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	regPath, err := registry.DefaultPath()
	if err != nil {
		return err
	}
	reg, err := registry.Open(regPath)
	if err != nil {
		return fmt.Errorf("initializing registry: %w", err)
	}
	_ = reg.Close()

	fmt.Println()
	fmt.Printf("  %sralph initialized%s\n", styleBoldGreen, colorReset)
	fmt.Println()
	printField("Config", filepath.Join(config.Dir(), "config.json"))
	printField("Registry", regPath)
	printField("Sockets", rpc.SocketDir(dir))
	fmt.Println()
	return nil
}
