/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package engine

import (
	"context"
	"fmt"
	"reflect"

	"github.com/tomoncle/dormouse/database"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun"
)

// Persister executes queued actions against a Bun connection or transaction.
// Statement construction stays close to what a hand-written DAO would emit:
// INSERT with the full row, UPDATE limited to dirty columns plus the version
// guard, DELETE by primary key.
type Persister struct {
	db     bun.IDB
	logger database.Logger
}

func NewPersister(db bun.IDB) *Persister {
	return &Persister{db: db, logger: database.GetLogger()}
}

// WithDB returns a persister bound to another executor, typically the
// session's transaction.
func (p *Persister) WithDB(db bun.IDB) *Persister {
	return &Persister{db: db, logger: p.logger}
}

func (p *Persister) ExecuteInsert(ctx context.Context, a *InsertAction) error {
	entry := a.Entry
	entity := entry.Meta

	if err := syncForeignKeys(entity, entry.Instance); err != nil {
		return err
	}
	if hook, ok := entry.Instance.(types.PreInsertHook); ok {
		if err := hook.PreInsert(ctx); err != nil {
			return err
		}
	}

	res, err := p.db.NewInsert().Model(entry.Instance).Exec(ctx)
	if err != nil {
		return WrapDBError(err, entity.Name, entry.Key.ID)
	}
	rows, _ := res.RowsAffected()
	entry.ExistsInDB = true
	if hook, ok := entry.Instance.(types.PostInsertHook); ok {
		if err := hook.PostInsert(ctx); err != nil {
			return err
		}
	}
	p.logger.Debug("flush insert",
		"entity", entity.Name, "table", entity.TableName(), "op", "insert", "rows", rows)
	return nil
}

// syncForeignKeys copies referenced primary keys into the foreign key columns
// of the row about to be written. Children scheduled after their parent pick
// up the id the database assigned to it this way.
func syncForeignKeys(entity *meta.Entity, instance interface{}) error {
	for _, rel := range entity.Relations {
		if rel.FKOnTarget() || rel.Target == nil {
			continue
		}
		if len(rel.BaseGoFields) == 0 || len(rel.JoinGoFields) == 0 {
			continue
		}
		related, err := rel.RelatedInstances(instance)
		if err != nil {
			return err
		}
		if len(related) == 0 {
			continue
		}
		ref, err := rel.Target.FieldValue(related[0], rel.JoinGoFields[0])
		if err != nil {
			return err
		}
		if ref == nil || reflect.ValueOf(ref).IsZero() {
			// referenced row not written yet; the collection sync or a later
			// update carries the key
			continue
		}
		if err := entity.SetFieldValue(instance, rel.BaseGoFields[0], ref); err != nil {
			return err
		}
	}
	return nil
}

func (p *Persister) ExecuteUpdate(ctx context.Context, a *UpdateAction) error {
	entry := a.Entry
	entity := entry.Meta

	if err := syncForeignKeys(entity, entry.Instance); err != nil {
		return err
	}
	if hook, ok := entry.Instance.(types.PreUpdateHook); ok {
		if err := hook.PreUpdate(ctx); err != nil {
			return err
		}
	}

	fields := a.Fields
	if entry.LoadedState != nil {
		// recompute against the snapshot so hook mutations and freshly
		// assigned foreign keys are written too
		recomputed, err := DirtyFields(entity, entry.Instance, entry.LoadedState)
		if err != nil {
			return err
		}
		fields = recomputed
	}
	if len(fields) == 0 && !a.ForceVersion {
		return nil
	}

	columns := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		columns = append(columns, f.Name)
	}

	q := p.db.NewUpdate().Model(entry.Instance).WherePK()

	var oldVersion, newVersion interface{}
	if entity.Versioned() {
		oldVersion = entry.Version
		var err error
		newVersion, err = NextVersion(oldVersion)
		if err != nil {
			return fmt.Errorf("entity %s: %w", entity.Name, err)
		}
		if err := entity.SetVersion(entry.Instance, newVersion); err != nil {
			return err
		}
		columns = append(columns, entity.Version.Name)
		q = q.Where("? = ?", bun.Ident(entity.Version.Name), oldVersion)
	}

	res, err := q.Column(columns...).Exec(ctx)
	if err != nil {
		p.restoreVersion(entry, oldVersion)
		return WrapDBError(err, entity.Name, entry.Key.ID)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		p.restoreVersion(entry, oldVersion)
		return &StaleStateError{EntityName: entity.Name, ID: entry.Key.ID}
	}
	if entity.Versioned() {
		entry.Version = newVersion
	}
	if hook, ok := entry.Instance.(types.PostUpdateHook); ok {
		if err := hook.PostUpdate(ctx); err != nil {
			return err
		}
	}
	p.logger.Debug("flush update",
		"entity", entity.Name, "table", entity.TableName(), "op", "update", "rows", rows)
	return nil
}

func (p *Persister) restoreVersion(entry *EntityEntry, oldVersion interface{}) {
	if oldVersion != nil {
		_ = entry.Meta.SetVersion(entry.Instance, oldVersion)
	}
}

func (p *Persister) ExecuteDelete(ctx context.Context, a *DeleteAction) error {
	entry := a.Entry
	entity := entry.Meta

	if hook, ok := entry.Instance.(types.PreDeleteHook); ok {
		if err := hook.PreDelete(ctx); err != nil {
			return err
		}
	}

	q := p.db.NewDelete().Model(entry.Instance).WherePK()
	if entity.Versioned() && entry.Version != nil {
		q = q.Where("? = ?", bun.Ident(entity.Version.Name), entry.Version)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return WrapDBError(err, entity.Name, entry.Key.ID)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return &StaleStateError{EntityName: entity.Name, ID: entry.Key.ID}
	}
	entry.ExistsInDB = false
	if hook, ok := entry.Instance.(types.PostDeleteHook); ok {
		if err := hook.PostDelete(ctx); err != nil {
			return err
		}
	}
	p.logger.Debug("flush delete",
		"entity", entity.Name, "table", entity.TableName(), "op", "delete", "rows", rows)
	return nil
}

// ExecuteCollectionUpdate repoints or removes the child rows behind one
// collection diff. Children being inserted in the same flush already carry
// the owner's key and are not in Attach.
func (p *Persister) ExecuteCollectionUpdate(ctx context.Context, a *CollectionUpdate) error {
	rel := a.Relation
	child := rel.Target
	if child == nil {
		return fmt.Errorf("collection %s.%s: relation target not linked", a.Owner.Meta.Name, rel.Name)
	}
	if len(rel.JoinColumns) == 0 || len(rel.BaseGoFields) == 0 {
		return fmt.Errorf("collection %s.%s: no join columns mapped", a.Owner.Meta.Name, rel.Name)
	}
	fkColumn := rel.JoinColumns[0]

	ownerRef, err := p.ownerRefValue(a.Owner, rel)
	if err != nil {
		return err
	}

	for _, childEntry := range a.Attach {
		if err := p.attachChild(ctx, childEntry, rel, fkColumn, ownerRef); err != nil {
			return err
		}
	}

	if len(a.DetachKeys) > 0 {
		ids := make([]interface{}, len(a.DetachKeys))
		for i, k := range a.DetachKeys {
			ids[i] = k.ID
		}
		if rel.OrphanRemoval {
			res, err := p.db.NewDelete().
				Table(child.TableName()).
				Where("? IN (?)", bun.Ident(child.ID.Name), bun.In(ids)).
				Exec(ctx)
			if err != nil {
				return WrapDBError(err, child.Name, ids)
			}
			rows, _ := res.RowsAffected()
			p.logger.Debug("flush orphan removal",
				"entity", child.Name, "table", child.TableName(), "op", "delete", "rows", rows)
		} else {
			res, err := p.db.NewUpdate().
				Table(child.TableName()).
				Set("? = NULL", bun.Ident(fkColumn)).
				Where("? IN (?)", bun.Ident(child.ID.Name), bun.In(ids)).
				Exec(ctx)
			if err != nil {
				return WrapDBError(err, child.Name, ids)
			}
			rows, _ := res.RowsAffected()
			p.logger.Debug("flush collection dissociate",
				"entity", child.Name, "table", child.TableName(), "op", "update", "rows", rows)
		}
	}
	return nil
}

// ownerRefValue reads the owner-side join value, normally the primary key.
func (p *Persister) ownerRefValue(owner *EntityEntry, rel *meta.Relation) (interface{}, error) {
	return owner.Meta.FieldValue(owner.Instance, rel.BaseGoFields[0])
}

// attachChild points one managed child at the owner, in the database and in
// memory so the child's next snapshot agrees. The child id is read from the
// instance: entries inserted earlier in the same flush already carry their
// database-assigned key there.
func (p *Persister) attachChild(ctx context.Context, childEntry *EntityEntry, rel *meta.Relation, fkColumn string, ownerRef interface{}) error {
	child := rel.Target
	if len(rel.JoinGoFields) > 0 {
		if err := child.SetFieldValue(childEntry.Instance, rel.JoinGoFields[0], ownerRef); err != nil {
			return err
		}
	}
	childID, err := child.IDValue(childEntry.Instance)
	if err != nil {
		return err
	}
	res, err := p.db.NewUpdate().
		Table(child.TableName()).
		Set("? = ?", bun.Ident(fkColumn), ownerRef).
		Where("? = ?", bun.Ident(child.ID.Name), childID).
		Exec(ctx)
	if err != nil {
		return WrapDBError(err, child.Name, childID)
	}
	rows, _ := res.RowsAffected()
	p.logger.Debug("flush collection attach",
		"entity", child.Name, "table", child.TableName(), "op", "update", "rows", rows)
	return nil
}
