package maintenance

import "context"

// FuncOp adapts a set of closures into an Op, the way the tablet package
// wires a MemRowSet flush, a DiskRowSet delta compaction, or a WAL GC pass
// into the scheduler without maintenance needing to import rowset/tablet
// types directly.
type FuncOp struct {
	name     string
	tabletID string
	statsFn  func() Stats
	prepare  func(ctx context.Context) (bool, error)
	perform  func(ctx context.Context) error
}

// NewFuncOp builds an Op from plain closures. prepare may be nil, in which
// case Prepare always reports runnable.
func NewFuncOp(name, tabletID string, statsFn func() Stats, prepare func(context.Context) (bool, error), perform func(context.Context) error) *FuncOp {
	return &FuncOp{name: name, tabletID: tabletID, statsFn: statsFn, prepare: prepare, perform: perform}
}

func (f *FuncOp) Name() string      { return f.name }
func (f *FuncOp) TabletID() string  { return f.tabletID }
func (f *FuncOp) UpdateStats() Stats { return f.statsFn() }

func (f *FuncOp) Prepare(ctx context.Context) (bool, error) {
	if f.prepare == nil {
		return true, nil
	}
	return f.prepare(ctx)
}

func (f *FuncOp) Perform(ctx context.Context) error { return f.perform(ctx) }
