package module

import (
	"fmt"
	"io"
)

// Pretty writes a human-readable summary of m to w.
func Pretty(w io.Writer, m *Module) {
	fmt.Fprintln(w, "version:", m.Version)
	fmt.Fprintln(w, "types:")
	for i, fn := range m.Type.Functions {
		fmt.Fprintf(w, "  - [%d] %v\n", i, fn)
	}
	fmt.Fprintln(w, "imports:")
	for i, imp := range m.Import.Imports {
		fmt.Fprintf(w, "  - [%d] %s.%s (kind %d)\n", i, imp.Module, imp.Name, imp.Descriptor.Kind())
	}
	fmt.Fprintln(w, "functions:")
	for i, tpe := range m.Function.TypeIndices {
		if int(tpe) >= len(m.Type.Functions) {
			fmt.Fprintf(w, "  - [%d] ???\n", i)
		} else {
			fmt.Fprintf(w, "  - [%d] %v\n", i, m.Type.Functions[tpe])
		}
	}
	fmt.Fprintln(w, "tables:")
	for i, table := range m.Table.Tables {
		if table.Lim.Max != nil {
			fmt.Fprintf(w, "  - [%d] %v [%d..%d]\n", i, table.Type, table.Lim.Min, *table.Lim.Max)
		} else {
			fmt.Fprintf(w, "  - [%d] %v [%d..]\n", i, table.Type, table.Lim.Min)
		}
	}
	fmt.Fprintln(w, "exports:")
	for _, exp := range m.Export.Exports {
		fmt.Fprintf(w, "  - %q (kind %d, index %d)\n", exp.Name, exp.Descriptor.Type, exp.Descriptor.Index)
	}
	fmt.Fprintln(w, "custom sections:")
	for _, custom := range m.Customs {
		fmt.Fprintf(w, "  - %q (%d bytes)\n", custom.Name, len(custom.Data))
	}
}
