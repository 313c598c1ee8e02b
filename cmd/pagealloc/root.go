package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/hupe1980/pagealloc"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "pagealloc",
	Short: "Boot, stress and inspect a physical page allocator",
	Long: `pagealloc drives a reference-counted physical page allocator over
anonymous memory standing in for RAM. It prints the boot layout, runs
concurrent allocation workloads with consistency checks, and decodes the
crash dumps those runs write.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(1)
	}
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// newLogger maps the global flags onto allocator logging. Diagnostics go to
// stderr so they never mix with JSON output.
func newLogger() *pagealloc.Logger {
	switch {
	case quiet:
		return pagealloc.NoopLogger()
	case verbose:
		return pagealloc.NewTextLogger(slog.LevelDebug)
	default:
		return pagealloc.NewTextLogger(slog.LevelWarn)
	}
}

// rangeFlags are the simulated physical layout shared by boot and stress.
type rangeFlags struct {
	kernelEnd string
	physTop   string
}

// Defaults mirror a 128 MiB machine with RAM at 0x80000000 and a 128 KiB
// kernel image.
func (r *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.kernelEnd, "kernel-end", "0x80020000", "First address after the kernel image")
	cmd.Flags().StringVar(&r.physTop, "phys-top", "0x88000000", "End of physical memory")
}

func (r *rangeFlags) parse() (kernelEnd, physTop pagealloc.PhysAddr, err error) {
	if kernelEnd, err = parseAddr(r.kernelEnd); err != nil {
		return 0, 0, fmt.Errorf("--kernel-end: %w", err)
	}
	if physTop, err = parseAddr(r.physTop); err != nil {
		return 0, 0, fmt.Errorf("--phys-top: %w", err)
	}
	return kernelEnd, physTop, nil
}

// parseAddr accepts decimal, 0x hex, 0o octal and 0b binary.
func parseAddr(s string) (pagealloc.PhysAddr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return pagealloc.PhysAddr(v), nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
