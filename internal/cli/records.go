package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// userError marks malformed command input.
type userError struct{ msg string }

func (e *userError) Error() string { return e.msg }

func badInput(format string, args ...any) error {
	return &userError{msg: fmt.Sprintf(format, args...)}
}

// decodeObject parses a JSON object, keeping numbers exact.
func decodeObject(what, s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, badInput("invalid %s JSON: %v", what, err)
	}
	if m == nil {
		return nil, badInput("%s must be a JSON object", what)
	}
	return m, nil
}

// parseQuery accepts a JSON query object or a bare record id.
func parseQuery(arg string) (types.Query, error) {
	if !strings.HasPrefix(strings.TrimSpace(arg), "{") {
		return types.ByID(arg), nil
	}
	m, err := decodeObject("query", arg)
	if err != nil {
		return nil, err
	}
	return types.Query(m), nil
}

// readSource returns the contents of a file argument, or stdin for "-".
func readSource(cmd *cobra.Command, arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, system(err)
	}
	return data, nil
}

// print writes v as indented JSON, or compact with --json.
func (a *app) print(cmd *cobra.Command, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if !a.jsonMode {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := cmd.OutOrStdout().Write(buf.Bytes())
	return err
}

func (a *app) newDefineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "define <collection> <schema.yaml|schema.json|->",
		Short: "Register the schema of a collection",
		Example: `  unidb define users users.yaml
  echo '{"name": "string", "age": "number"}' | unidb define users -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readSource(cmd, args[1])
			if err != nil {
				return err
			}
			s, err := decodeSchema(data)
			if err != nil {
				return badInput("invalid schema %s: %v", args[1], err)
			}
			return a.withAdapter(cmd, func(ctx context.Context, db types.Adapter) error {
				if err := db.DefineModel(ctx, args[0], s); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "defined %s\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "create <collection> <json>",
		Short:   "Insert a record",
		Example: `  unidb create users '{"name": "Ann", "age": 30}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := decodeObject("record", args[1])
			if err != nil {
				return err
			}
			fields, err := types.FieldsOf(m)
			if err != nil {
				return badInput("invalid record: %v", err)
			}
			return a.withAdapter(cmd, func(ctx context.Context, db types.Adapter) error {
				r, err := db.Create(ctx, args[0], fields)
				if err != nil {
					return err
				}
				return a.print(cmd, r)
			})
		},
	}
}

func (a *app) newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id|query-json>",
		Short: "Print the first matching record",
		Example: `  unidb get users 3f0c9a2e-...
  unidb get users '{"name": "Ann"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseQuery(args[1])
			if err != nil {
				return err
			}
			return a.withAdapter(cmd, func(ctx context.Context, db types.Adapter) error {
				r, err := db.FindOne(ctx, args[0], q)
				if err != nil {
					return err
				}
				if r == nil {
					return types.NewError(types.KindNotFound, db.Backend(), "get",
						fmt.Sprintf("no record in %s matches %s", args[0], args[1]), nil)
				}
				return a.print(cmd, r)
			})
		},
	}
}

func (a *app) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <collection> [query-json]",
		Short: "Print every matching record",
		Example: `  unidb list users
  unidb list users '{"age": {"$gte": 18}}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := types.Query{}
			if len(args) == 2 {
				var err error
				if q, err = parseQuery(args[1]); err != nil {
					return err
				}
			}
			return a.withAdapter(cmd, func(ctx context.Context, db types.Adapter) error {
				rs, err := db.FindMany(ctx, args[0], q)
				if err != nil {
					return err
				}
				return a.print(cmd, rs)
			})
		},
	}
}

func (a *app) newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <collection> <id|query-json> <update-json>",
		Short: "Update one record by id, or every match",
		Example: `  unidb update users 3f0c9a2e-... '{"age": 31}'
  unidb update users '{"active": false}' '{"$set": {"archived": true}}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseQuery(args[1])
			if err != nil {
				return err
			}
			u, err := decodeObject("update", args[2])
			if err != nil {
				return err
			}
			return a.withAdapter(cmd, func(ctx context.Context, db types.Adapter) error {
				res, err := db.Update(ctx, args[0], q, types.Update(u))
				if err != nil {
					return err
				}
				if res.Record != nil {
					return a.print(cmd, res.Record)
				}
				return a.print(cmd, res)
			})
		},
	}
}

func (a *app) newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id|query-json>",
		Short: "Delete one record by id, or every match",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseQuery(args[1])
			if err != nil {
				return err
			}
			return a.withAdapter(cmd, func(ctx context.Context, db types.Adapter) error {
				res, err := db.Delete(ctx, args[0], q)
				if err != nil {
					return err
				}
				return a.print(cmd, res)
			})
		},
	}
}
