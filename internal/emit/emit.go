// Package emit defines the EmitCommand union and its pure applier. The
// same apply semantics run on the server, to fold resolver emits into
// canonical state, and on clients, to fold ops messages into a local
// mirror, so the two sides cannot drift.
package emit

import (
	"fmt"
	"strings"

	"github.com/lenshq/lens/internal/codec"
	"github.com/lenshq/lens/internal/value"
)

// CommandType tags the EmitCommand union.
type CommandType string

const (
	CommandFull  CommandType = "full"
	CommandField CommandType = "field"
	CommandBatch CommandType = "batch"
	CommandArray CommandType = "array"
)

// FieldUpdate pairs one field path with its strategy-encoded update.
type FieldUpdate struct {
	Field  string       `json:"field"`
	Update codec.Update `json:"update"`
}

// Command is one emit. Exactly the variant fields for Type are set:
//
//	full:  Data, Replace
//	field: Field, Update
//	batch: Updates
//	array: Op, optionally Field when the array lives under an object field
type Command struct {
	Type    CommandType    `json:"type"`
	Data    any            `json:"data,omitempty"`
	Replace bool           `json:"replace,omitempty"`
	Field   string         `json:"field,omitempty"`
	Update  *codec.Update  `json:"update,omitempty"`
	Updates []FieldUpdate  `json:"updates,omitempty"`
	Op      *codec.ArrayOp `json:"op,omitempty"`
}

func Full(data any, replace bool) Command {
	return Command{Type: CommandFull, Data: data, Replace: replace}
}

func Field(field string, update codec.Update) Command {
	return Command{Type: CommandField, Field: field, Update: &update}
}

func Batch(updates []FieldUpdate) Command {
	return Command{Type: CommandBatch, Updates: updates}
}

func Array(op codec.ArrayOp, field string) Command {
	return Command{Type: CommandArray, Op: &op, Field: field}
}

// Apply folds cmd into state and returns the new state. The input state is
// never mutated; unchanged subtrees may be shared between input and output,
// so callers must treat applied states as immutable.
func Apply(state any, cmd Command) (any, error) {
	switch cmd.Type {
	case CommandFull:
		return applyFull(state, cmd)
	case CommandField:
		if cmd.Update == nil {
			return nil, fmt.Errorf("emit: field command without update")
		}
		return applyFields(state, []FieldUpdate{{Field: cmd.Field, Update: *cmd.Update}})
	case CommandBatch:
		return applyFields(state, cmd.Updates)
	case CommandArray:
		return applyArray(state, cmd)
	default:
		return nil, fmt.Errorf("emit: unknown command type %q", cmd.Type)
	}
}

func applyFull(state any, cmd Command) (any, error) {
	data, dataIsObj := cmd.Data.(map[string]any)
	stateMap, stateIsObj := state.(map[string]any)
	if cmd.Replace || !dataIsObj || (state != nil && !stateIsObj) {
		return value.Clone(cmd.Data), nil
	}
	out := value.CloneMap(stateMap)
	for k, v := range data {
		out[k] = value.Clone(v)
	}
	return out, nil
}

func applyFields(state any, updates []FieldUpdate) (any, error) {
	var out map[string]any
	switch s := state.(type) {
	case nil:
		out = map[string]any{}
	case map[string]any:
		out = value.CloneMap(s)
	default:
		return nil, fmt.Errorf("emit: field update against non-object state (%T)", state)
	}
	for _, fu := range updates {
		if fu.Field == "" {
			return nil, fmt.Errorf("emit: field update with empty path")
		}
		old, _ := value.Get(out, fu.Field)
		next, err := codec.Apply(old, fu.Update)
		if err != nil {
			return nil, fmt.Errorf("emit: field %q: %w", fu.Field, err)
		}
		value.Set(out, fu.Field, next)
	}
	return out, nil
}

func applyArray(state any, cmd Command) (any, error) {
	if cmd.Op == nil {
		return nil, fmt.Errorf("emit: array command without op")
	}

	if cmd.Field == "" {
		arr, err := asArray(state)
		if err != nil {
			return nil, err
		}
		return codec.ApplyArrayOp(arr, *cmd.Op)
	}

	var out map[string]any
	switch s := state.(type) {
	case nil:
		out = map[string]any{}
	case map[string]any:
		out = value.CloneMap(s)
	default:
		return nil, fmt.Errorf("emit: array field update against non-object state (%T)", state)
	}
	cur, _ := value.Get(out, cmd.Field)
	arr, err := asArray(cur)
	if err != nil {
		return nil, fmt.Errorf("emit: field %q: %w", cmd.Field, err)
	}
	next, err := codec.ApplyArrayOp(arr, *cmd.Op)
	if err != nil {
		return nil, fmt.Errorf("emit: field %q: %w", cmd.Field, err)
	}
	value.Set(out, cmd.Field, next)
	return out, nil
}

func asArray(v any) ([]any, error) {
	switch a := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return a, nil
	default:
		return nil, fmt.Errorf("emit: array op against non-array state (%T)", v)
	}
}

// PrefixPath rebases cmd under a dotted field path, turning a publisher's
// local emit into one addressed from the entity root. A full command
// becomes a field command writing the whole subtree.
func PrefixPath(cmd Command, path string) Command {
	if path == "" {
		return cmd
	}
	switch cmd.Type {
	case CommandFull:
		return Field(path, codec.ValueUpdate(cmd.Data))
	case CommandField:
		out := cmd
		out.Field = joinPath(path, cmd.Field)
		return out
	case CommandBatch:
		out := cmd
		out.Updates = make([]FieldUpdate, len(cmd.Updates))
		for i, fu := range cmd.Updates {
			out.Updates[i] = FieldUpdate{Field: joinPath(path, fu.Field), Update: fu.Update}
		}
		return out
	case CommandArray:
		out := cmd
		out.Field = joinPath(path, cmd.Field)
		return out
	default:
		return cmd
	}
}

func joinPath(prefix, field string) string {
	if field == "" {
		return prefix
	}
	return prefix + "." + strings.TrimPrefix(field, ".")
}
