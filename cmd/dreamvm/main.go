// dreamvm - runs a compiled world program
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/tliron/commonlog"

	"github.com/chazu/dreamvm/manifest"
	"github.com/chazu/dreamvm/server"
	"github.com/chazu/dreamvm/vm"
	"github.com/chazu/dreamvm/vm/savefile"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	dir := flag.String("C", ".", "Directory to search for dreamvm.toml")
	program := flag.String("program", "", "Compiled program (overrides program.path)")
	ticks := flag.Int("ticks", -1, "Stop after this many ticks, 0 runs forever (overrides engine.ticks)")
	saves := flag.String("savefile", "", "Savefile database (overrides savefile.path)")
	verbose := flag.Int("v", 0, "Extra log verbosity added to log.verbosity")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dreamvm [options]\n\n")
		fmt.Fprintf(os.Stderr, "Loads a compiled program, starts the world and ticks it until interrupted.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  dreamvm                         # Use ./dreamvm.toml (or defaults)\n")
		fmt.Fprintf(os.Stderr, "  dreamvm -program build/game.json -ticks 100\n")
		fmt.Fprintf(os.Stderr, "  dreamvm -C ./mygame -savefile :memory: -v 2\n")
	}
	flag.Parse()

	m, err := loadManifest(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *program != "" {
		m.Program.Path = *program
	}
	if *ticks >= 0 {
		m.Engine.Ticks = *ticks
	}
	if *saves != "" {
		m.Savefile.Path = *saves
	}

	var logFile *string
	if p := m.LogFilePath(); p != "" {
		logFile = &p
	}
	commonlog.Configure(m.Log.Verbosity+*verbose, logFile)

	if err := run(m); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadManifest finds dreamvm.toml from dir upwards, falling back to defaults.
func loadManifest(dir string) (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return manifest.Default(dir)
	}
	return m, nil
}

func run(m *manifest.Manifest) error {
	log := commonlog.GetLogger("dreamvm")

	reg := vm.NewNativeRegistry()
	vm.RegisterBuiltins(reg)

	var worldLog io.Writer
	if path := m.WorldLogPath(); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("cannot open world log: %w", err)
		}
		defer f.Close()
		worldLog = f
	}

	engine := vm.NewEngine(vm.Options{
		Natives:      reg,
		Resources:    vm.DirLoader{Root: m.ResourceDir()},
		WorldLog:     worldLog,
		MaxCallDepth: m.Engine.MaxCallDepth,
	})

	// Natives bind when the program loads, so the store registers first.
	if path := m.SavefilePath(); path != "" {
		store, err := savefile.Open(path, engine.GameID)
		if err != nil {
			return err
		}
		defer store.Close()
		savefile.RegisterNatives(reg, store)
		log.Infof("savefile: %s", path)
	}

	if err := engine.LoadProgramFile(m.ProgramPath()); err != nil {
		return err
	}
	if err := engine.StartWorld(); err != nil {
		return err
	}

	worker := server.NewWorker(engine)
	defer worker.Stop()
	log.Infof("worker running game %s", worker.Engine().GameID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := worker.Run(ctx, m.Engine.Ticks)
	if errors.Is(err, context.Canceled) {
		log.Notice("interrupted, shutting down")
	}
	return err
}
