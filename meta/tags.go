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

package meta

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/tomoncle/dormouse/types"
)

// Mapping directives live in the dm struct tag, next to Bun's column mapping:
//
//	type Order struct {
//	    ID      int64      `bun:"id,pk,autoincrement" dm:"id:identity"`
//	    Code    string     `bun:"code,notnull"        dm:"natural_id"`
//	    Version int64      `bun:"version"             dm:"version"`
//	    User    *User      `bun:"rel:belongs-to,join:user_id=id" dm:"cascade:persist|merge"`
//	    Items   []*Item    `bun:"rel:has-many,join:id=order_id"  dm:"cascade:all,orphan,eager"`
//	}
//
// Registration options override tag values when both are present.
const tagName = "dm"

type relationTag struct {
	cascade types.CascadeKind
	orphan  bool
	eager   bool
}

type entityTags struct {
	idStrategy   string
	versionField string
	naturalIDs   []string
	naturalIDMut bool
	relations    map[string]relationTag
}

// parseEntityTags walks the struct type, including embedded structs, and
// collects dm directives keyed by Go field name.
func parseEntityTags(typ reflect.Type) (*entityTags, error) {
	tags := &entityTags{relations: make(map[string]relationTag)}
	if err := collectTags(typ, tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func collectTags(typ reflect.Type, tags *entityTags) error {
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.Anonymous {
			embedded := field.Type
			if embedded.Kind() == reflect.Ptr {
				embedded = embedded.Elem()
			}
			if embedded.Kind() == reflect.Struct {
				if err := collectTags(embedded, tags); err != nil {
					return err
				}
			}
			continue
		}
		raw, ok := field.Tag.Lookup(tagName)
		if !ok || raw == "" || raw == "-" {
			continue
		}
		if err := applyFieldTag(field.Name, raw, tags); err != nil {
			return fmt.Errorf("%s.%s: %w", typ.Name(), field.Name, err)
		}
	}
	return nil
}

func applyFieldTag(goName, raw string, tags *entityTags) error {
	var rel relationTag
	var isRelation bool

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		key, value := part, ""
		if idx := strings.IndexByte(part, ':'); idx >= 0 {
			key, value = part[:idx], part[idx+1:]
		}
		switch key {
		case "":
		case "id":
			if value == "" {
				return fmt.Errorf("id directive needs a strategy, e.g. dm:\"id:uuid\"")
			}
			tags.idStrategy = value
		case "version":
			if tags.versionField != "" && tags.versionField != goName {
				return fmt.Errorf("version already declared on field %s", tags.versionField)
			}
			tags.versionField = goName
		case "natural_id":
			tags.naturalIDs = append(tags.naturalIDs, goName)
		case "mutable":
			tags.naturalIDMut = true
		case "cascade":
			mask, err := types.ParseCascade(value)
			if err != nil {
				return err
			}
			rel.cascade = mask
			isRelation = true
		case "orphan":
			rel.orphan = true
			isRelation = true
		case "eager":
			rel.eager = true
			isRelation = true
		default:
			return fmt.Errorf("unknown dm directive: %q", key)
		}
	}

	if isRelation {
		tags.relations[goName] = rel
	}
	return nil
}
