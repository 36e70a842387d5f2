package processor

import (
	"bytes"

	externref "github.com/slowli/externref"
	"github.com/slowli/externref/internal/wasm/encoding"
	"github.com/slowli/externref/internal/wasm/module"
	"github.com/slowli/externref/logging"
)

// DefaultTableName is the default export name of the reference table.
const DefaultTableName = "externrefs"

// Processor encapsulates module processing options.
//
// Processing replaces the placeholder imports of the reserved
// "externref" module with local functions backed by a newly created
// externref table, and patches catalog functions so that their imports
// and exports use externref where the catalog marks a position.
type Processor struct {
	tableName    string
	dropFnModule string
	dropFnName   string
	log          logging.Logger
}

// New returns a processor with default options: the reference table is
// exported as DefaultTableName and no drop notification is installed.
func New() *Processor {
	return &Processor{
		tableName: DefaultTableName,
		log:       logging.NewNoOpLogger(),
	}
}

// SetRefTable sets the name under which the externref table is exported.
// An empty name suppresses the export.
func (p *Processor) SetRefTable(name string) *Processor {
	p.tableName = name
	return p
}

// SetDropFn sets a host function notified about dropped references. It
// is added as an import with signature (externref) -> () and invoked
// immediately before each reference is dropped.
func (p *Processor) SetDropFn(moduleName, name string) *Processor {
	p.dropFnModule = moduleName
	p.dropFnName = name
	return p
}

// SetLogger sets the logger used during processing.
func (p *Processor) SetLogger(log logging.Logger) *Processor {
	p.log = log
	return p
}

// state holds everything a single processing run mutates. A run owns
// the module exclusively; on error the module must be discarded.
type state struct {
	p       *Processor
	m       *module.Module
	entries []*module.CodeEntry

	tableIndex  uint32
	getRefIndex *uint32
}

func (st *state) logger() logging.Logger { return st.p.log }

// Process rewrites m in place. A module without the catalog custom
// section is returned unchanged.
//
// On error the module may be partially mutated and must not be reused.
func (p *Processor) Process(m *module.Module) error {
	section := removeCustomSection(m, externref.CustomSectionName)
	if section == nil {
		p.log.Info("module contains no %q custom section; skipping", externref.CustomSectionName)
		return nil
	}
	catalog, err := externref.ParseSection(section.Data)
	if err != nil {
		return err
	}
	p.logCatalog(catalog)

	st := &state{p: p, m: m}
	if st.entries, err = encoding.CodeEntries(m); err != nil {
		return &MalformedModuleError{cause: err}
	}

	imports, err := takeImports(m)
	if err != nil {
		return err
	}
	if err := st.patchFunctions(imports); err != nil {
		return err
	}
	guarded, err := st.replaceFunctions(imports)
	if err != nil {
		return err
	}
	if err := st.processFunctions(catalog, guarded); err != nil {
		return err
	}
	st.eliminateDeadCode()

	return st.finish()
}

// ProcessBytes parses, processes and re-serializes a binary module.
func (p *Processor) ProcessBytes(bs []byte) ([]byte, error) {
	m, err := encoding.ReadModule(bytes.NewReader(bs))
	if err != nil {
		return nil, &MalformedModuleError{cause: err}
	}
	if err := p.Process(m); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encoding.WriteModule(&buf, m); err != nil {
		return nil, &MalformedModuleError{cause: err}
	}
	return buf.Bytes(), nil
}

// finish re-encodes the decoded code entries into the code section.
func (st *state) finish() error {
	segments := make([]module.RawCodeSegment, len(st.entries))
	for i, entry := range st.entries {
		seg, err := encoding.EncodeCodeEntry(entry)
		if err != nil {
			return &MalformedModuleError{cause: err}
		}
		segments[i] = seg
	}
	st.m.Code.Segments = segments
	return nil
}

func removeCustomSection(m *module.Module, name string) *module.Custom {
	for i, custom := range m.Customs {
		if custom.Name == name {
			section := custom
			m.Customs = append(m.Customs[:i], m.Customs[i+1:]...)
			return &section
		}
	}
	return nil
}

func (p *Processor) logCatalog(catalog []externref.Function) {
	p.log.Info("custom section contains %d functions", len(catalog))
	for i := range catalog {
		fn := &catalog[i]
		origin := "exported"
		if fn.Kind == externref.Import {
			origin = "imported from module " + fn.Module
		}
		p.log.Info("- %q: %s, with %d externref(s)", fn.Name, origin, fn.Refs.Count())
	}
}
