package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/engine"
	"github.com/wippyai/wasix-runtime/fs"
	"github.com/wippyai/wasix-runtime/runtime"
	"github.com/wippyai/wasix-runtime/syscalls"
	"github.com/wippyai/wasix-runtime/task"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "wasix-run",
		Short:        "Run wasm binaries with suspendable WASIX syscalls",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		env         []string
		argv        []string
		preopens    []string
		workers     int
		wasm64      bool
		interactive bool
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "run <file.wasm>",
		Short: "Run a wasm binary as a WASIX process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], runOpts{
				env:         env,
				argv:        argv,
				preopens:    preopens,
				workers:     workers,
				wasm64:      wasm64,
				interactive: interactive,
				verbose:     verbose,
			})
		},
	}

	cmd.Flags().StringSliceVar(&env, "env", nil, "environment variables (KEY=VAL)")
	cmd.Flags().StringSliceVar(&argv, "argv", nil, "guest arguments")
	cmd.Flags().StringSliceVar(&preopens, "preopen", nil, "preopened host files (host[:guest])")
	cmd.Flags().IntVar(&workers, "workers", 0, "scheduler pool size (0 = default)")
	cmd.Flags().BoolVar(&wasm64, "wasm64", false, "treat the binary as wasm64")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "start the process monitor")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	return cmd
}

type runOpts struct {
	env         []string
	argv        []string
	preopens    []string
	workers     int
	wasm64      bool
	interactive bool
	verbose     bool
}

func run(ctx context.Context, path string, opts runOpts) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	if opts.verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
		engine.SetLogger(logger.Named("engine"))
		task.SetLogger(logger.Named("task"))
		syscalls.SetLogger(logger.Named("syscalls"))
		runtime.SetLogger(logger.Named("runtime"))
	}

	width := abi.Wasm32
	if opts.wasm64 {
		width = abi.Wasm64
	}

	name := filepath.Base(path)
	rt, err := runtime.New(ctx, &runtime.Config{
		Width:      width,
		Workers:    opts.workers,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Args:       append([]string{name}, opts.argv...),
		Env:        opts.env,
		EnableWASI: true,
	})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if err := rt.Load(ctx, name, data); err != nil {
		return err
	}

	files, err := buildFiles(opts.preopens)
	if err != nil {
		return err
	}

	p, err := rt.SpawnWithFiles(ctx, name, files)
	if err != nil {
		return err
	}

	if opts.interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("interactive mode requires a terminal")
		}
		return runMonitor(rt, p)
	}

	code, err := p.Status().Wait(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(int(code))
	}
	return nil
}

// buildFiles preopens host files after stdio. The optional guest path
// in host:guest is accepted for compatibility and ignored; descriptors
// are handed out in flag order starting at fd 3.
func buildFiles(preopens []string) (*fs.Table, error) {
	if len(preopens) == 0 {
		return nil, nil
	}

	table := fs.NewStdioTable(os.Stdin, os.Stdout, os.Stderr)
	for _, spec := range preopens {
		host, _, _ := strings.Cut(spec, ":")
		f, err := os.Open(host)
		if err != nil {
			table.Close()
			return nil, fmt.Errorf("preopen %s: %w", host, err)
		}
		if _, ok := table.Insert(fs.NewHostFile(f), abi.FileRights); !ok {
			f.Close()
			table.Close()
			return nil, fmt.Errorf("preopen %s: table closed", host)
		}
	}
	return table, nil
}
