package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/hupe1980/pagealloc/internal/crashdump"
	"github.com/spf13/cobra"
)

var (
	inspectPages    []string
	inspectFreeList int
	inspectStore    storeFlags
)

func init() {
	cmd := newInspectCmd()
	inspectStore.register(cmd)
	cmd.Flags().StringSliceVar(&inspectPages, "page", nil, "Print the recorded count of these pages")
	cmd.Flags().IntVar(&inspectFreeList, "free-list", 0, "Print the first N free list entries (-1 = all)")
	rootCmd.AddCommand(cmd)
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <dump>",
		Short: "Decode a crash dump",
		Long: `The inspect command reads a dump written by stress --dump (or by an
allocator's Dump method) and summarizes the recorded reference counts and
free list.

Example:
  pagealloc inspect run.pgdump
  pagealloc inspect run.pgdump --page 0x80021000 --free-list 10
  pagealloc inspect run.pgdump --json
  pagealloc inspect run-42.pgdump --dump-endpoint s3.example.com --dump-bucket crash`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), args[0])
		},
	}
}

// InspectReport is the JSON shape of the inspect command.
type InspectReport struct {
	Path        string            `json:"path"`
	Compression string            `json:"compression"`
	TableBase   string            `json:"table_base"`
	Start       string            `json:"start"`
	End         string            `json:"end"`
	Summary     crashdump.Summary `json:"summary"`
	Pages       map[string]int    `json:"pages,omitempty"`
	FreeList    []string          `json:"free_list,omitempty"`
}

func runInspect(ctx context.Context, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	printVerbose("Opening dump: %s\n", path)

	data, err := loadDump(ctx, &inspectStore, path)
	if err != nil {
		return err
	}

	img, err := crashdump.Read(bytes.NewReader(data))
	if err != nil {
		return err
	}

	h := img.Header
	r := InspectReport{
		Path:        path,
		Compression: h.Compression.String(),
		TableBase:   h.TableBase.String(),
		Start:       h.Start.String(),
		End:         h.End.String(),
		Summary:     img.Summary(),
	}

	if len(inspectPages) > 0 {
		r.Pages = make(map[string]int, len(inspectPages))
		for _, s := range inspectPages {
			pa, err := parseAddr(s)
			if err != nil {
				return err
			}
			n, ok := img.RefCount(pa)
			if !ok {
				return fmt.Errorf("page %s is not tracked by the dump", pa)
			}
			r.Pages[pa.String()] = n
		}
	}

	n := inspectFreeList
	if n < 0 || n > len(img.Free) {
		n = len(img.Free)
	}
	for _, pa := range img.Free[:n] {
		r.FreeList = append(r.FreeList, pa.String())
	}

	if jsonOut {
		return printJSON(r)
	}

	s := r.Summary
	printInfo("Dump:        %s (%s)\n", r.Path, r.Compression)
	printInfo("Table:       %s (%d pages)\n", r.TableBase, s.TablePages)
	printInfo("Range:       [%s, %s), %d pages\n", r.Start, r.End, s.ManagedPages)
	printInfo("Allocated:   %d (%d shared, max count %d)\n", s.Allocated, s.Shared, s.MaxCount)
	printInfo("Free:        %d by count, %d listed\n", s.FreePages, s.Listed)
	if s.FreePages != s.Listed {
		printInfo("Warning:     free counts disagree; %d pages were between free phases or lost\n", s.FreePages-s.Listed)
	}

	for _, p := range inspectPages {
		pa, _ := parseAddr(p)
		printInfo("Page %s: count %d\n", pa, r.Pages[pa.String()])
	}
	for i, pa := range r.FreeList {
		printInfo("  free[%d] %s\n", i, pa)
	}
	return nil
}
