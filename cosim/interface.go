package cosim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/gridsim/internal/logging"
	"github.com/signalsfoundry/gridsim/model"
	"github.com/signalsfoundry/gridsim/shmem"
	"github.com/signalsfoundry/gridsim/timectrl"
)

// Config names the channel pair and its parameters.
type Config struct {
	// Out and In are segment names; either may be empty.
	Out string
	In  string
	Dir string
	// SampleLen fixes the frame length; zero means the highest bound slot.
	SampleLen int
	QueueLen  int
	Wait      timectrl.WaitMode
	// OutLabels and InLabels, when set, name every frame field and enter
	// the schema fingerprint. Otherwise fields are positional (f0, f1, ...).
	OutLabels []string
	InLabels  []string
	// Sync makes every step wait for one inbound frame and for room in the
	// outbound ring. Otherwise missing input keeps the previous values and
	// a full ring drops the outbound frame.
	Sync bool
}

// Interface exchanges one inbound and one outbound frame per step.
type Interface struct {
	cfg    Config
	logger logging.Logger

	mu      sync.Mutex
	frozen  bool
	exports []exportSlot
	imports []importSlot
	used    map[string]map[int]string

	out    *shmem.Writer
	in     *shmem.Reader
	outBuf []float64
	inBuf  []float64

	framesOut atomic.Uint64
	framesIn  atomic.Uint64
	dropped   atomic.Uint64
}

// New returns an interface with no bindings.
func New(cfg Config, logger logging.Logger) *Interface {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Interface{
		cfg:    cfg,
		logger: logger,
		used:   map[string]map[int]string{"out": {}, "in": {}},
	}
}

func (f *Interface) claim(dir string, index int, labels ...string) error {
	if f.frozen {
		return ErrBindingsFrozen
	}
	if index < 0 {
		return fmt.Errorf("cosim: %s slot %d: %w", dir, index, ErrUnsupported)
	}
	for k := range labels {
		if prev, ok := f.used[dir][index+k]; ok {
			return fmt.Errorf("%s slot %d (%s, bound to %s): %w", dir, index+k, labels[k], prev, ErrSlotTaken)
		}
	}
	for k, l := range labels {
		f.used[dir][index+k] = l
	}
	return nil
}

// ExportAttribute binds attr to the outbound slot index. Complex exports
// also take index+1.
func (f *Interface) ExportAttribute(attr model.AttributeBase, index int, kind ExportKind, scale float64) error {
	if scale == 0 {
		scale = 1
	}
	readers, err := exportReaders(attr, kind, scale)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	labels := make([]string, len(readers))
	for k := range readers {
		labels[k] = fmt.Sprintf("%s:%s", attr.QualifiedName(), kind)
		if len(readers) == 2 {
			labels[k] += [2]string{".re", ".im"}[k]
		}
	}
	if err := f.claim("out", index, labels...); err != nil {
		return err
	}
	for k, r := range readers {
		f.exports = append(f.exports, exportSlot{index: index + k, label: labels[k], read: r})
	}
	return nil
}

// ExportFunc binds an arbitrary derived value to the outbound slot index.
func (f *Interface) ExportFunc(label string, index int, fn func() float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.claim("out", index, label); err != nil {
		return err
	}
	f.exports = append(f.exports, exportSlot{index: index, label: label, read: fn})
	return nil
}

// ImportAttribute binds the inbound slot index to attr. Complex imports
// take index and index+1.
func (f *Interface) ImportAttribute(attr model.AttributeBase, index int, scale float64) error {
	if scale == 0 {
		scale = 1
	}
	appliers, err := importAppliers(attr, scale)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	labels := make([]string, len(appliers))
	for k := range appliers {
		labels[k] = attr.QualifiedName()
		if len(appliers) == 2 {
			labels[k] += [2]string{".re", ".im"}[k]
		}
	}
	if err := f.claim("in", index, labels...); err != nil {
		return err
	}
	for k, a := range appliers {
		f.imports = append(f.imports, importSlot{index: index + k, label: labels[k], apply: a})
	}
	return nil
}

// ExportPath resolves path and binds it as an export.
func (f *Interface) ExportPath(r Resolver, path string, index int, kind ExportKind, scale float64) error {
	attr, err := r.Attribute(path)
	if err != nil {
		return err
	}
	return f.ExportAttribute(attr, index, kind, scale)
}

// ImportPath resolves path and binds it as an import.
func (f *Interface) ImportPath(r Resolver, path string, index int, scale float64) error {
	attr, err := r.Attribute(path)
	if err != nil {
		return err
	}
	return f.ImportAttribute(attr, index, scale)
}

func schemaFor(used map[int]string, sampleLen int, labels []string) (shmem.Schema, error) {
	n := sampleLen
	for idx := range used {
		if sampleLen > 0 && idx >= sampleLen {
			return shmem.Schema{}, fmt.Errorf("cosim: slot %d outside sample length %d: %w", idx, sampleLen, ErrUnsupported)
		}
		n = max(n, idx+1)
	}
	if len(labels) == 0 {
		return shmem.DefaultSchema(n), nil
	}
	if len(labels) < n {
		return shmem.Schema{}, fmt.Errorf("cosim: %d labels for %d fields: %w", len(labels), n, shmem.ErrSchemaMismatch)
	}
	return shmem.Schema{Labels: append([]string(nil), labels...)}, nil
}

// OutSchema returns the outbound frame layout. Valid after Start.
func (f *Interface) OutSchema() shmem.Schema {
	if f.out == nil {
		return shmem.Schema{}
	}
	return f.out.Schema()
}

// InSchema returns the inbound frame layout. Valid after Start.
func (f *Interface) InSchema() shmem.Schema {
	if f.in == nil {
		return shmem.Schema{}
	}
	return f.in.Schema()
}

// Bindings lists the bound slot labels per direction, by slot.
func (f *Interface) Bindings() (out, in map[int]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out = make(map[int]string, len(f.used["out"]))
	for k, v := range f.used["out"] {
		out[k] = v
	}
	in = make(map[int]string, len(f.used["in"]))
	for k, v := range f.used["in"] {
		in[k] = v
	}
	return out, in
}

// Start freezes the bindings, derives both frame schemas and opens the
// channel endpoints. The inbound side attaches on the first read.
func (f *Interface) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frozen {
		return ErrBindingsFrozen
	}
	f.frozen = true
	sort.Slice(f.exports, func(a, b int) bool { return f.exports[a].index < f.exports[b].index })
	sort.Slice(f.imports, func(a, b int) bool { return f.imports[a].index < f.imports[b].index })

	opts := shmem.Options{Dir: f.cfg.Dir, Capacity: f.cfg.QueueLen, Wait: f.cfg.Wait}
	if f.cfg.Out != "" && len(f.exports) > 0 {
		schema, err := schemaFor(f.used["out"], f.cfg.SampleLen, f.cfg.OutLabels)
		if err != nil {
			return err
		}
		w, err := shmem.NewWriter(f.cfg.Out, schema, opts)
		if err != nil {
			return err
		}
		f.out = w
		f.outBuf = make([]float64, schema.Fields())
		f.logger.Info(context.Background(), "co-simulation export channel open",
			logging.String("segment", w.Path()),
			logging.Int("fields", schema.Fields()),
		)
	}
	if f.cfg.In != "" && len(f.imports) > 0 {
		schema, err := schemaFor(f.used["in"], f.cfg.SampleLen, f.cfg.InLabels)
		if err != nil {
			return err
		}
		r, err := shmem.NewReader(f.cfg.In, schema, opts)
		if err != nil {
			return err
		}
		f.in = r
		f.inBuf = make([]float64, schema.Fields())
	}
	return nil
}

// Frozen reports whether Start has run.
func (f *Interface) Frozen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frozen
}

// ReadImports pulls one inbound frame and applies it. Without Sync a
// transient "no data" leaves the attributes unchanged.
func (f *Interface) ReadImports(ctx context.Context) error {
	if f.in == nil {
		return nil
	}
	var err error
	if f.cfg.Sync {
		err = f.in.Read(ctx, f.inBuf)
	} else {
		err = f.in.TryRead(f.inBuf)
		if shmem.Transient(err) {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("cosim: import: %w", err)
	}
	for _, s := range f.imports {
		s.apply(f.inBuf[s.index])
	}
	f.framesIn.Add(1)
	return nil
}

// WriteExports builds and publishes one outbound frame.
func (f *Interface) WriteExports(ctx context.Context) error {
	if f.out == nil {
		return nil
	}
	for i := range f.outBuf {
		f.outBuf[i] = 0
	}
	for _, s := range f.exports {
		f.outBuf[s.index] = s.read()
	}
	if f.cfg.Sync {
		if err := f.out.Write(ctx, f.outBuf); err != nil {
			return fmt.Errorf("cosim: export: %w", err)
		}
	} else if err := f.out.TryWrite(f.outBuf); err != nil {
		if !errors.Is(err, shmem.ErrFull) {
			return fmt.Errorf("cosim: export: %w", err)
		}
		f.dropped.Add(1)
		return nil
	}
	f.framesOut.Add(1)
	return nil
}

// Stats returns frame counters.
func (f *Interface) Stats() (out, in, dropped uint64) {
	return f.framesOut.Load(), f.framesIn.Load(), f.dropped.Load()
}

// Close releases both endpoints.
func (f *Interface) Close() error {
	var errs []error
	if f.out != nil {
		errs = append(errs, f.out.Close())
	}
	if f.in != nil {
		errs = append(errs, f.in.Close())
	}
	return errors.Join(errs...)
}
