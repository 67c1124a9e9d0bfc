package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/dynlink"
	"github.com/sliverarmory/dynlink/diag"
	"github.com/sliverarmory/dynlink/elfdyn"
)

var (
	searchDirs []string
	loadBase   uint64
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <symbol> <shared library>",
	Short: "Resolve a symbol across a shared library's dependency scope",
	Long: "Loads the library and its DT_NEEDED closure (metadata only, no code " +
		"mapping), then resolves the symbol in search order: the root first, " +
		"then dependencies breadth-first in DT_NEEDED order.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		symbol, path := args[0], args[1]

		linker, err := dynlink.NewLinker(nil)
		if err != nil {
			return err
		}

		dirs := append([]string{filepath.Dir(path)}, searchDirs...)
		d := diag.New(diag.Continue)
		root, err := linker.Open(d, dynlink.NewSoname(filepath.Base(path)),
			retrieveFrom(path, dirs), dynlink.ImageLoader{Base: loadBase})
		if err != nil {
			return err
		}

		addr, err := linker.LookupSymbol(root, symbol)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", addr)
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringArrayVar(&searchDirs, "search", nil, "Additional directories to search for dependencies")
	resolveCmd.Flags().Uint64Var(&loadBase, "base", 0, "Load bias to report addresses against")
}

// retrieveFrom reads the root from its given path and dependencies from
// the search directories. The mapped images live until process exit.
func retrieveFrom(rootPath string, dirs []string) dynlink.RetrieveFile {
	rootName := filepath.Base(rootPath)
	return func(_ *diag.Diagnostics, name string) ([]byte, error) {
		if name == rootName {
			return mapImage(rootPath)
		}
		for _, dir := range dirs {
			data, err := mapImage(filepath.Join(dir, name))
			if err == nil {
				return data, nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
		return nil, fs.ErrNotExist
	}
}

func mapImage(path string) ([]byte, error) {
	mapped, err := elfdyn.MapFile(path)
	if err != nil {
		return nil, err
	}
	return mapped.Bytes(), nil
}
