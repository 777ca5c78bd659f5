// Package board is the batched client for the external board service.
//
// Several records are written in one GraphQL mutation by giving every record
// its own alias (op_0, op_1, ...). The response is decoded per alias so a
// request can partially succeed.
package board

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
)

// Kind is a batched mutation type.
type Kind string

const (
	KindCreateGroup   Kind = "create_group"
	KindCreateItem    Kind = "create_item"
	KindUpdateItem    Kind = "update_item"
	KindCreateSubitem Kind = "create_subitem"
	KindUpdateSubitem Kind = "update_subitem"
)

// Valid reports whether k is a known mutation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCreateGroup, KindCreateItem, KindUpdateItem, KindCreateSubitem, KindUpdateSubitem:
		return true
	}
	return false
}

// Operation is one record to write. Which fields are used depends on the kind:
// create_group uses Name; create_item uses Name, GroupID and Columns;
// update_item and update_subitem use ItemID and Columns; create_subitem uses
// Name, ParentID and Columns.
type Operation struct {
	Key      string
	Name     string
	GroupID  string
	ParentID string
	ItemID   string
	Columns  map[string]any
}

// Alias returns the response alias of the i-th operation in a request.
func Alias(i int) string {
	return fmt.Sprintf("op_%d", i)
}

// BuildRequest renders the GraphQL request body for ops.
func BuildRequest(kind Kind, boardID string, ops []Operation) ([]byte, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown mutation kind %q", kind)
	}

	var params []string
	if kind != KindCreateSubitem {
		params = append(params, "$board: ID!")
	}

	var fields strings.Builder
	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}

	if kind != KindCreateSubitem {
		set("variables.board", boardID)
	}

	for i, op := range ops {
		alias := Alias(i)
		name, group, parent, item, cols := varName("name", i), varName("group", i), varName("parent", i), varName("item", i), varName("cols", i)

		var colsJSON string
		if kind != KindCreateGroup {
			colsJSON, err = encodeColumns(op.Columns)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", alias, err)
			}
		}

		switch kind {
		case KindCreateGroup:
			params = append(params, "$"+name+": String!")
			fmt.Fprintf(&fields, "  %s: create_group(board_id: $board, group_name: $%s) { id }\n", alias, name)
			set("variables."+name, op.Name)

		case KindCreateItem:
			params = append(params, "$"+name+": String!", "$"+group+": String!", "$"+cols+": JSON")
			fmt.Fprintf(&fields, "  %s: create_item(board_id: $board, group_id: $%s, item_name: $%s, column_values: $%s) { id }\n", alias, group, name, cols)
			set("variables."+name, op.Name)
			set("variables."+group, op.GroupID)
			set("variables."+cols, colsJSON)

		case KindUpdateItem, KindUpdateSubitem:
			params = append(params, "$"+item+": ID!", "$"+cols+": JSON!")
			fmt.Fprintf(&fields, "  %s: change_multiple_column_values(board_id: $board, item_id: $%s, column_values: $%s) { id }\n", alias, item, cols)
			set("variables."+item, op.ItemID)
			set("variables."+cols, colsJSON)

		case KindCreateSubitem:
			params = append(params, "$"+parent+": ID!", "$"+name+": String!", "$"+cols+": JSON")
			fmt.Fprintf(&fields, "  %s: create_subitem(parent_item_id: $%s, item_name: $%s, column_values: $%s) { id }\n", alias, parent, name, cols)
			set("variables."+parent, op.ParentID)
			set("variables."+name, op.Name)
			set("variables."+cols, colsJSON)
		}
	}

	query := fmt.Sprintf("mutation (%s) {\n%s}", strings.Join(params, ", "), fields.String())
	set("query", query)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return body, nil
}

func varName(prefix string, i int) string {
	return fmt.Sprintf("%s_%d", prefix, i)
}

// encodeColumns renders column values as the JSON string the service expects.
// Keys are emitted in sorted order.
func encodeColumns(cols map[string]any) (string, error) {
	if cols == nil {
		cols = map[string]any{}
	}
	b, err := json.Marshal(cols)
	if err != nil {
		return "", fmt.Errorf("encode column values: %w", err)
	}
	return string(b), nil
}
