package cmd

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	externref "github.com/slowli/externref"
	"github.com/slowli/externref/internal/wasm/encoding"
	"github.com/slowli/externref/internal/wasm/module"
)

func init() {
	var verbose bool

	inspectCommand := &cobra.Command{
		Use:   "inspect <input>",
		Short: "Print the externref catalog of a WASM module",
		Long: `Print the externref function catalog embedded in a WASM module
without transforming it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runInspect(args[0], verbose)
		},
	}
	inspectCommand.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"also print a module section summary")

	RootCommand.AddCommand(inspectCommand)
}

func runInspect(input string, verbose bool) error {
	bs, err := readInput(input)
	if err != nil {
		return errors.Wrapf(err, "failed reading input module from %q", input)
	}
	m, err := encoding.ReadModule(bytes.NewReader(bs))
	if err != nil {
		return errors.Wrap(err, "failed reading WASM module")
	}

	catalog, err := readCatalog(m)
	if err != nil {
		return err
	}
	if catalog == nil {
		fmt.Printf("module contains no %q custom section\n", externref.CustomSectionName)
	} else {
		printCatalog(catalog)
	}

	if verbose {
		module.Pretty(os.Stdout, m)
	}
	return nil
}

func readCatalog(m *module.Module) ([]externref.Function, error) {
	for _, custom := range m.Customs {
		if custom.Name == externref.CustomSectionName {
			catalog, err := externref.ParseSection(custom.Data)
			return catalog, errors.Wrap(err, "failed parsing externref catalog")
		}
	}
	return nil, nil
}

func printCatalog(catalog []externref.Function) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Kind", "Module", "Name", "Arity", "Ref positions"})
	table.SetAutoWrapText(false)
	for i := range catalog {
		fn := &catalog[i]
		kind := "export"
		if fn.Kind == externref.Import {
			kind = "import"
		}
		positions := make([]string, 0, fn.Refs.Count())
		for _, idx := range fn.Refs.SetIndices() {
			positions = append(positions, strconv.Itoa(idx))
		}
		table.Append([]string{
			kind,
			fn.Module,
			fn.Name,
			strconv.Itoa(fn.Refs.BitLen()),
			strings.Join(positions, ", "),
		})
	}
	table.Render()
}
