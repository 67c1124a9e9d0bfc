package main

import (
	"debug/elf"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/dynlink/diag"
	"github.com/sliverarmory/dynlink/elfdyn"
)

var depsCmd = &cobra.Command{
	Use:   "deps <shared library>",
	Short: "Print the DT_NEEDED dependencies of a shared library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dm, needed, err := decodePath(args[0])
		if err != nil {
			return err
		}
		d := diag.New(diag.Continue)
		names, ok := dm.ReifyNeededAll(d, needed)
		if !ok {
			return d.TakeError()
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name.String())
		}
		return nil
	},
}

var symbolsCmd = &cobra.Command{
	Use:   "symbols <shared library>",
	Short: "Print the defined dynamic symbols of a shared library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dm, _, err := decodePath(args[0])
		if err != nil {
			return err
		}
		si := dm.SymbolInfo()
		for _, sym := range si.Syms() {
			if !elfdyn.SymbolDefined(&sym) {
				continue
			}
			name := si.String(uint64(sym.Name))
			if name == "" {
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%#016x %-7s %s\n",
				sym.Value, elf.ST_TYPE(sym.Info), name)
		}
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump <shared library>",
	Short: "Dump the decoded module metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dm, needed, err := decodePath(args[0])
		if err != nil {
			return err
		}
		cfg := spew.ConfigState{Indent: "  ", SortKeys: true}
		cfg.Fdump(cmd.OutOrStdout(), dm.Module())
		cfg.Fdump(cmd.OutOrStdout(), dm.LoadInfo().Segments())
		cfg.Fdump(cmd.OutOrStdout(), dm.RelocInfo())
		if dm.TLSModuleID() != 0 {
			cfg.Fdump(cmd.OutOrStdout(), dm.TLSModule())
		}
		d := diag.New(diag.Continue)
		if names, ok := dm.ReifyNeededAll(d, needed); ok {
			cfg.Fdump(cmd.OutOrStdout(), names)
		}
		return nil
	},
}

// decodePath maps path and decodes its metadata, returning the decoded
// module and the raw DT_NEEDED offsets. The mapping stays alive for the
// process; inspection commands exit right after.
func decodePath(path string) (*elfdyn.DecodedModule, []uint64, error) {
	mapped, err := elfdyn.MapFile(path)
	if err != nil {
		return nil, nil, err
	}

	d := diag.New(diag.Continue)
	f, ok := elfdyn.DecodeFile(d, mapped.Bytes())
	if !ok {
		return nil, nil, d.TakeError()
	}

	dm := &elfdyn.DecodedModule{}
	dm.EmplaceModule(0)
	*dm.LoadInfo() = f.Load

	var needed []uint64
	if _, ok := dm.DecodeDynamic(d, f.Memory(), f.Dynamic, elfdyn.NewNeededObserver(&needed)); !ok {
		return nil, nil, d.TakeError()
	}
	if f.TLS != nil {
		if !dm.SetTls(d, f.Memory(), *f.TLS, 1) {
			return nil, nil, d.TakeError()
		}
	}
	return dm, needed, nil
}
