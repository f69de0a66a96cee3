package tablet

import (
	"fmt"

	"github.com/erigontech/kudu-tablet-core/schema"
)

// AlterSchema evolves the tablet's live schema (spec.md §4.10's "Read/write
// schema changes"), keeping every prior generation in schemaHistory for
// the tablet metadata's schema history (spec.md §6).
func (t *Tablet) AlterSchema(alt schema.Alter) error {
	t.schemaMu.Lock()
	defer t.schemaMu.Unlock()

	next, err := schema.Apply(t.schema, alt)
	if err != nil {
		return fmt.Errorf("tablet: alter schema: %w", err)
	}
	t.schema = next
	t.schemaVersion++
	t.schemaHistory = append(t.schemaHistory, next)
	return nil
}

// SchemaVersion returns the tablet's current schema generation number.
func (t *Tablet) SchemaVersion() uint32 {
	t.schemaMu.RLock()
	defer t.schemaMu.RUnlock()
	return t.schemaVersion
}

// SchemaHistory returns every schema generation the tablet has had, oldest
// first.
func (t *Tablet) SchemaHistory() []*schema.Schema {
	t.schemaMu.RLock()
	defer t.schemaMu.RUnlock()
	out := make([]*schema.Schema, len(t.schemaHistory))
	copy(out, t.schemaHistory)
	return out
}
