// Package cmd implements the externref-processor CLI.
package cmd

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/slowli/externref/logging"
)

// RootCommand is the base CLI command that all subcommands are added to.
var RootCommand = &cobra.Command{
	Use:   path.Base(os.Args[0]),
	Short: "WASM externref post-processor",
	Long: `Transforms WASM modules built with externref surrogate shims so that
imports and exports use real externref types backed by a module-local
reference table.`,
	SilenceUsage: true,
}

var logLevel = newEnumFlag("error", []string{"debug", "info", "error"})

func init() {
	RootCommand.PersistentFlags().Var(logLevel, "log-level",
		"set log level {debug, info, error}")
}

func newLogger() *logging.StandardLogger {
	log := logging.New()
	log.SetOutput(os.Stderr)
	switch logLevel.String() {
	case "debug":
		log.SetLevel(logging.Debug)
	case "info":
		log.SetLevel(logging.Info)
	default:
		log.SetLevel(logging.Error)
	}
	return log
}

// enumFlag is a pflag.Value constrained to a fixed set of strings.
type enumFlag struct {
	value   string
	allowed []string
}

var _ pflag.Value = (*enumFlag)(nil)

func newEnumFlag(defaultValue string, allowed []string) *enumFlag {
	return &enumFlag{value: defaultValue, allowed: allowed}
}

func (f *enumFlag) String() string { return f.value }

func (*enumFlag) Type() string { return "string" }

func (f *enumFlag) Set(s string) error {
	for _, allowed := range f.allowed {
		if s == allowed {
			f.value = s
			return nil
		}
	}
	return fmt.Errorf("must be one of: %s", strings.Join(f.allowed, ", "))
}
