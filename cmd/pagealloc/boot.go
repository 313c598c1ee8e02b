package main

import (
	"github.com/hupe1980/pagealloc"
	"github.com/spf13/cobra"
)

var bootRange rangeFlags

func init() {
	cmd := newBootCmd()
	bootRange.register(cmd)
	rootCmd.AddCommand(cmd)
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Initialize an allocator and print its layout",
		Long: `The boot command runs the range initializer over simulated physical
memory and prints where the reference count table landed and how many
pages are available.

Example:
  pagealloc boot
  pagealloc boot --kernel-end 0x80021234 --phys-top 0x80400000 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot()
		},
	}
}

// BootReport is the JSON shape of the boot command.
type BootReport struct {
	KernelEnd  string `json:"kernel_end"`
	PhysTop    string `json:"phys_top"`
	TableBase  string `json:"table_base"`
	TableBytes int    `json:"table_bytes"`
	TablePages int    `json:"table_pages"`
	Start      string `json:"start"`
	End        string `json:"end"`
	Pages      int    `json:"pages"`
	FreePages  int    `json:"free_pages"`
}

func runBoot() error {
	kernelEnd, physTop, err := bootRange.parse()
	if err != nil {
		return err
	}

	printVerbose("Booting allocator over [%s, %s)\n", kernelEnd, physTop)

	a, err := pagealloc.Boot(kernelEnd, physTop, pagealloc.WithLogger(newLogger()))
	if err != nil {
		return err
	}
	defer a.Close()

	l := a.Layout()
	r := BootReport{
		KernelEnd:  kernelEnd.String(),
		PhysTop:    physTop.String(),
		TableBase:  l.TableBase.String(),
		TableBytes: l.TableBytes,
		TablePages: l.TablePages,
		Start:      l.Start.String(),
		End:        l.End.String(),
		Pages:      l.Pages,
		FreePages:  a.Stats().FreePages,
	}

	if jsonOut {
		return printJSON(r)
	}

	printInfo("Reference table: %s (%d bytes, %d pages)\n", r.TableBase, r.TableBytes, r.TablePages)
	printInfo("Managed range:   [%s, %s)\n", r.Start, r.End)
	printInfo("Pages:           %d (%s)\n", r.Pages, formatBytes(int64(r.Pages)*pagealloc.PageSize))
	printInfo("Free:            %d\n", r.FreePages)
	return nil
}
