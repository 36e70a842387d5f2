package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/slowli/externref/processor"
)

type processParams struct {
	output        string
	tableName     string
	noExportTable bool
	dropFn        string
}

func init() {
	params := processParams{}

	processCommand := &cobra.Command{
		Use:   "process <input>",
		Short: "Transform a WASM module",
		Long: `Transform a WASM module built with externref surrogate shims.

Reads the module from <input> ("-" means standard input), rewrites the
externref placeholder imports and the functions described by the module
catalog, and writes the result to the output file (standard output by
default).`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runProcess(args[0], params)
		},
	}

	processCommand.Flags().StringVarP(&params.output, "output", "o", "",
		"write the transformed module to this file instead of standard output")
	processCommand.Flags().StringVar(&params.tableName, "table", processor.DefaultTableName,
		"name of the exported externrefs table")
	processCommand.Flags().BoolVar(&params.noExportTable, "no-export-table", false,
		"do not export the externrefs table")
	processCommand.Flags().StringVar(&params.dropFn, "drop-fn", "",
		"host function notified about dropped externrefs, in module::name format")

	RootCommand.AddCommand(processCommand)
}

func runProcess(input string, params processParams) error {
	bs, err := readInput(input)
	if err != nil {
		return errors.Wrapf(err, "failed reading input module from %q", input)
	}

	p := processor.New().SetLogger(newLogger())
	if params.noExportTable {
		p.SetRefTable("")
	} else {
		p.SetRefTable(params.tableName)
	}
	if params.dropFn != "" {
		moduleName, name, err := splitDropFn(params.dropFn)
		if err != nil {
			return err
		}
		p.SetDropFn(moduleName, name)
	}

	processed, err := p.ProcessBytes(bs)
	if err != nil {
		return errors.Wrap(err, "failed processing module")
	}

	if params.output == "" {
		_, err = os.Stdout.Write(processed)
		return errors.Wrap(err, "failed writing module to standard output")
	}
	err = os.WriteFile(params.output, processed, 0o644)
	return errors.Wrapf(err, "failed writing module to file %q", params.output)
}

func readInput(input string) ([]byte, error) {
	if input == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(input)
}

func splitDropFn(dropFn string) (moduleName, name string, err error) {
	moduleName, name, ok := strings.Cut(dropFn, "::")
	if !ok || moduleName == "" || name == "" {
		return "", "", fmt.Errorf("drop function must be specified in the module::name format")
	}
	return moduleName, name, nil
}
