package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dotsetgreg/memtier/pkg/config"
	"github.com/dotsetgreg/memtier/pkg/logger"
	"github.com/dotsetgreg/memtier/pkg/memory"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "memtier"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memtier", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

// openManager builds and initializes the engine from the on-disk config.
// Callers own the shutdown.
func openManager(ctx context.Context) (*memory.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(cfg.Engine.LogLevel)

	mgr := memory.NewManager(cfg.ManagerConfig())
	if err := mgr.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}
	return mgr, nil
}

func onboard() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		reader := bufio.NewReader(os.Stdin)
		response, readErr := reader.ReadString('\n')
		if readErr != nil {
			fmt.Println("Aborted.")
			return nil
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDirPath(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Tune tiers and scoring in", configPath)
	fmt.Println("  2. Store something: memtier add \"remember this\" --importance 0.8")
	fmt.Println("  3. Search: memtier search \"remember\"")
	fmt.Println("  4. Interactive session: memtier repl")
	return nil
}

func statusCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	configPath := getConfigPath()

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n", formatVersion())
	build, _ := formatBuildInfo()
	if build != "" {
		fmt.Printf("Build: %s\n", build)
	}
	fmt.Println()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "✓")
	} else {
		fmt.Println("Config:", configPath, "✗ (run `memtier onboard`)")
	}

	dataDir := cfg.DataDirPath()
	if _, err := os.Stat(dataDir); err == nil {
		fmt.Println("Data dir:", dataDir, "✓")
	} else {
		fmt.Println("Data dir:", dataDir, "not initialized")
	}
	ltmDB := filepath.Join(dataDir, "memtier-ltm.db")
	if _, err := os.Stat(ltmDB); err == nil {
		fmt.Println("LTM DB:", ltmDB, "✓")
	} else {
		fmt.Println("LTM DB:", ltmDB, "not initialized")
	}

	fmt.Printf("Backends: stm=%s mtm=%s ltm=%s\n", cfg.STM.Backend, cfg.MTM.Backend, cfg.LTM.Backend)
	return nil
}
