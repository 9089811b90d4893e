// Command crate boots a machine from a YAML description and hands its
// serial console to the terminal. Ctrl-C asks the guest to stop; a second
// Ctrl-C tears the machine down immediately.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	crate "github.com/cratevm/crate"
	"golang.org/x/term"
)

// fixCrlf keeps log lines readable while the terminal is in raw mode.
type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "crate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine config YAML (required)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config machine.yaml [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a virtual machine and attach its serial console.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("-config is required")
	}

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		&fixCrlf{w: os.Stderr},
		&slog.HandlerOptions{Level: level},
	)))

	cfg, err := crate.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	// Raw mode so guest line discipline owns the terminal.
	var consoleIn io.Reader
	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
		consoleIn = os.Stdin
	}

	machine, err := crate.NewMachine(cfg, crate.Options{
		ConsoleOut: os.Stdout,
		ConsoleIn:  consoleIn,
	})
	if err != nil {
		return err
	}

	if err := machine.Start(); err != nil {
		machine.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		go machine.Stop()
		<-sigCh
		os.Exit(1)
	}()

	return machine.Wait()
}
