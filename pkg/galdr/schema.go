package galdr

import (
	"context"
	"fmt"

	"github.com/rthomasv3/galdrdb/pkg/catalog"
	"github.com/rthomasv3/galdrdb/pkg/index"
)

// IndexFieldSchema declares one indexed field.
type IndexFieldSchema struct {
	Name       string
	Type       index.Kind
	Descending bool
}

// IndexSchema declares one secondary index. One field is a single-field
// index; two to eight fields form a compound index.
type IndexSchema struct {
	Name   string
	Unique bool
	Fields []IndexFieldSchema
}

// CollectionSchema declares one collection and its indexes.
type CollectionSchema struct {
	Name    string
	Indexes []IndexSchema
}

// Schema is the code-declared shape reconciled against the catalog on
// open.
type Schema struct {
	Collections []CollectionSchema
}

// OrphanedSchemaInfo reports a collection or index present on disk but
// absent from the declared schema. Orphans are surfaced, never dropped.
type OrphanedSchemaInfo struct {
	Kind       string // "collection" or "index"
	Collection string
	Index      string
}

func (is *IndexSchema) def() (catalog.IndexDef, error) {
	if len(is.Fields) == 0 {
		return catalog.IndexDef{}, fmt.Errorf("galdr: index %q has no fields", is.Name)
	}
	if len(is.Fields) > 8 {
		return catalog.IndexDef{}, fmt.Errorf("galdr: index %q has %d fields, maximum is 8", is.Name, len(is.Fields))
	}
	kind := catalog.Single
	if len(is.Fields) > 1 {
		kind = catalog.Compound
	}
	def := catalog.IndexDef{
		Name:   is.Name,
		Kind:   kind,
		Unique: is.Unique,
	}
	for _, f := range is.Fields {
		order := catalog.Ascending
		if f.Descending {
			order = catalog.Descending
		}
		def.Fields = append(def.Fields, catalog.IndexField{
			Name:  f.Name,
			Type:  f.Type,
			Order: order,
		})
	}
	return def, nil
}

// reconcileSchema creates missing collections and indexes and collects
// orphans: on-disk schema objects the declaration does not mention.
func (db *Database) reconcileSchema(ctx context.Context, schema *Schema) ([]OrphanedSchemaInfo, error) {
	declared := make(map[string]*CollectionSchema, len(schema.Collections))
	for i := range schema.Collections {
		cs := &schema.Collections[i]
		declared[cs.Name] = cs

		entry := db.cat.FindCollection(cs.Name)
		if entry == nil {
			if err := db.CreateCollection(ctx, cs.Name, cs.Indexes...); err != nil {
				return nil, err
			}
			continue
		}
		for j := range cs.Indexes {
			if entry.IndexPos(cs.Indexes[j].Name) < 0 {
				if err := db.CreateIndex(ctx, cs.Name, cs.Indexes[j]); err != nil {
					return nil, err
				}
			}
		}
	}

	var orphans []OrphanedSchemaInfo
	for _, entry := range db.cat.All() {
		cs, ok := declared[entry.Name]
		if !ok {
			orphans = append(orphans, OrphanedSchemaInfo{
				Kind:       "collection",
				Collection: entry.Name,
			})
			continue
		}
		for _, def := range entry.Indexes {
			found := false
			for i := range cs.Indexes {
				if cs.Indexes[i].Name == def.Name {
					found = true
					break
				}
			}
			if !found {
				orphans = append(orphans, OrphanedSchemaInfo{
					Kind:       "index",
					Collection: entry.Name,
					Index:      def.Name,
				})
			}
		}
	}
	return orphans, nil
}
