package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/cachedb/cachedb/internal/app"
	"github.com/cachedb/cachedb/internal/config"
	"github.com/cachedb/cachedb/internal/db"
	"github.com/cachedb/cachedb/internal/observability"
	"github.com/cachedb/cachedb/internal/query"
	"github.com/cachedb/cachedb/internal/rides"
	"github.com/cachedb/cachedb/internal/snapshot"
	"github.com/cachedb/cachedb/internal/storage"
	"github.com/cachedb/cachedb/pkg/types"
)

// env carries what every command needs.
type env struct {
	cfg    *config.Config
	stdin  io.Reader
	out    io.Writer
	errOut io.Writer
}

func (e *env) logger() zerolog.Logger {
	return observability.NewLoggerTo(e.errOut, e.cfg.Log)
}

func (e *env) openDB(ctx context.Context) (*db.DB, error) {
	return db.Open(ctx, e.cfg, e.logger(), rides.Schemas()...)
}

func (e *env) snapshots(ctx context.Context, d *db.DB) (*snapshot.Manager, error) {
	store, err := storage.New(ctx, e.cfg.Storage)
	if err != nil {
		return nil, err
	}
	workDir := filepath.Join(e.cfg.DataDir, "tmp")
	return snapshot.NewManager(d, store, workDir, e.cfg.Async.Workers, e.logger()), nil
}

func (e *env) printJSON(v interface{}) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// input returns arg, or stdin when arg is "-" or missing.
func (e *env) input(args []string, i int) ([]byte, error) {
	if len(args) > i && args[i] != "-" {
		return []byte(args[i]), nil
	}
	return io.ReadAll(e.stdin)
}

// Command is one cachedb subcommand.
type Command struct {
	Flags *flag.FlagSet
	Usage string
	Short string
	Args  int
	Exec  func(ctx context.Context, e *env, args []string) error
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// HelpLine is the command's line in the usage listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-40s %s", c.Usage, c.Short)
}

// Run parses the command flags and executes it. It returns the exit code.
func (c *Command) Run(ctx context.Context, e *env, args []string) int {
	c.Flags.SetOutput(io.Discard)
	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.printHelp(e.out)
			return 0
		}
		fmt.Fprintln(e.errOut, "error:", err)
		c.printHelp(e.errOut)
		return 1
	}
	if c.Flags.NArg() < c.Args {
		fmt.Fprintln(e.errOut, "error: missing arguments")
		c.printHelp(e.errOut)
		return 1
	}
	if err := c.Exec(ctx, e, c.Flags.Args()); err != nil {
		fmt.Fprintln(e.errOut, "error:", err)
		return 1
	}
	return 0
}

func (c *Command) printHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: cachedb", c.Usage)
	fmt.Fprintln(w)
	fmt.Fprintln(w, c.Short)
	if c.Flags.HasFlags() {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Flags:")
		var buf strings.Builder
		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		c.Flags.SetOutput(io.Discard)
		fmt.Fprint(w, buf.String())
	}
}

func commands() map[string]*Command {
	out := make(map[string]*Command)
	for _, c := range []*Command{
		cmdServe(), cmdGet(), cmdPut(), cmdDelete(), cmdQuery(), cmdCount(),
		cmdStats(), cmdMaintain(), cmdSnapshot(), cmdVersion(),
	} {
		out[c.Name()] = c
	}
	return out
}

func sortedCommands() []*Command {
	m := commands()
	out := make([]*Command, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// withDB opens the database for the duration of fn.
func withDB(ctx context.Context, e *env, fn func(d *db.DB) error) error {
	d, err := e.openDB(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(d)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("record id must be a positive integer, got %q", s)
	}
	return id, nil
}

func cmdServe() *Command {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("http-addr", "", "Serve the HTTP API on this address")
	grpcAddr := fs.String("grpc-addr", "", "Serve the gRPC API on this address")
	return &Command{
		Flags: fs,
		Usage: "serve [--http-addr addr] [--grpc-addr addr]",
		Short: "Open the cache and serve its APIs until interrupted",
		Exec: func(ctx context.Context, e *env, args []string) error {
			if *addr != "" {
				e.cfg.HTTP.Enabled = true
				e.cfg.HTTP.Addr = *addr
			}
			if *grpcAddr != "" {
				e.cfg.GRPC.Enabled = true
				e.cfg.GRPC.Addr = *grpcAddr
			}
			a, err := app.New(e.cfg, e.logger(), rides.Schemas()...)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return err
			}
			return a.WaitForShutdown(ctx)
		},
	}
}

func cmdGet() *Command {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "get <collection> <id>",
		Short: "Print one record",
		Args:  2,
		Exec: func(ctx context.Context, e *env, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withDB(ctx, e, func(d *db.DB) error {
				c, err := d.Collection(args[0])
				if err != nil {
					return err
				}
				rec, err := c.Get(ctx, id)
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("%s has no record %d", args[0], id)
				}
				return e.printJSON(rec)
			})
		},
	}
}

func cmdPut() *Command {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	index := fs.String("index", "", "Replace the record sharing this unique index key")
	return &Command{
		Flags: fs,
		Usage: "put <collection> [json|-] [--index name]",
		Short: "Store a JSON record read from the argument or stdin",
		Args:  1,
		Exec: func(ctx context.Context, e *env, args []string) error {
			body, err := e.input(args, 1)
			if err != nil {
				return err
			}
			return withDB(ctx, e, func(d *db.DB) error {
				c, err := d.Collection(args[0])
				if err != nil {
					return err
				}
				rec, err := types.RecordFromJSON(c.Schema(), body)
				if err != nil {
					return err
				}
				var id int64
				if *index != "" {
					id, err = c.PutByIndex(ctx, *index, rec)
				} else {
					id, err = c.Put(ctx, rec)
				}
				if err != nil {
					return err
				}
				return e.printJSON(map[string]int64{"id": id})
			})
		},
	}
}

func cmdDelete() *Command {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "delete <collection> <id>",
		Short: "Delete one record",
		Args:  2,
		Exec: func(ctx context.Context, e *env, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withDB(ctx, e, func(d *db.DB) error {
				c, err := d.Collection(args[0])
				if err != nil {
					return err
				}
				deleted, err := c.Delete(ctx, id)
				if err != nil {
					return err
				}
				return e.printJSON(map[string]interface{}{"id": id, "deleted": deleted})
			})
		},
	}
}

func buildQuery(d *db.DB, name string, body []byte) (*query.Spec, *query.Query, error) {
	c, err := d.Collection(name)
	if err != nil {
		return nil, nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	spec, err := query.ParseSpec(body)
	if err != nil {
		return nil, nil, err
	}
	q, err := spec.Build(c, d.QueryOptions()...)
	return spec, q, err
}

func cmdQuery() *Command {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	op := fs.String("op", "find", "find, count or delete")
	return &Command{
		Flags: fs,
		Usage: "query <collection> [spec|-] [--op find|count|delete]",
		Short: "Run a JSON query and print the matches",
		Args:  1,
		Exec: func(ctx context.Context, e *env, args []string) error {
			var body []byte
			if len(args) > 1 {
				var err error
				if body, err = e.input(args, 1); err != nil {
					return err
				}
			}
			return withDB(ctx, e, func(d *db.DB) error {
				spec, q, err := buildQuery(d, args[0], body)
				if err != nil {
					return err
				}
				switch {
				case *op == "count":
					n, err := q.Count(ctx)
					if err != nil {
						return err
					}
					return e.printJSON(map[string]int{"count": n})
				case *op == "delete":
					n, err := q.DeleteAll(ctx)
					if err != nil {
						return err
					}
					return e.printJSON(map[string]int{"deleted": n})
				case *op != "find":
					return fmt.Errorf("unknown op %q", *op)
				case spec.Property != "":
					vals, err := q.Property(ctx, spec.Property)
					if err != nil {
						return err
					}
					return e.printJSON(vals)
				}
				recs, err := q.FindAll(ctx)
				if err != nil {
					return err
				}
				if recs == nil {
					recs = []*types.Record{}
				}
				return e.printJSON(recs)
			})
		},
	}
}

func cmdCount() *Command {
	fs := flag.NewFlagSet("count", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "count <collection>",
		Short: "Print the number of records in a collection",
		Args:  1,
		Exec: func(ctx context.Context, e *env, args []string) error {
			return withDB(ctx, e, func(d *db.DB) error {
				c, err := d.Collection(args[0])
				if err != nil {
					return err
				}
				n, err := c.Count(ctx)
				if err != nil {
					return err
				}
				return e.printJSON(map[string]int{"count": n})
			})
		},
	}
}

func cmdStats() *Command {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "stats",
		Short: "Print engine and collection statistics",
		Exec: func(ctx context.Context, e *env, args []string) error {
			return withDB(ctx, e, func(d *db.DB) error {
				st, err := d.Stats(ctx)
				if err != nil {
					return err
				}
				return e.printJSON(st)
			})
		},
	}
}

func cmdMaintain() *Command {
	fs := flag.NewFlagSet("maintain", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "maintain",
		Short: "Run engine maintenance once and print index advice",
		Exec: func(ctx context.Context, e *env, args []string) error {
			return withDB(ctx, e, func(d *db.DB) error {
				advice, err := d.Maintain(ctx)
				if err != nil {
					return err
				}
				return e.printJSON(map[string]interface{}{"advice": advice})
			})
		},
	}
}

func cmdSnapshot() *Command {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	keep := fs.Int("keep", 0, "Snapshots to keep per collection (prune)")
	return &Command{
		Flags: fs,
		Usage: "snapshot <export|import|import-all|list|prune> [collection] [name]",
		Short: "Export, restore, list or prune collection snapshots",
		Args:  1,
		Exec: func(ctx context.Context, e *env, args []string) error {
			return withDB(ctx, e, func(d *db.DB) error {
				m, err := e.snapshots(ctx, d)
				if err != nil {
					return err
				}
				return runSnapshot(ctx, e, d, m, args, *keep)
			})
		},
	}
}

func runSnapshot(ctx context.Context, e *env, d *db.DB, m *snapshot.Manager, args []string, keep int) error {
	sub, rest := args[0], args[1:]
	needCollection := func() error {
		if len(rest) == 0 {
			return fmt.Errorf("snapshot %s needs a collection", sub)
		}
		return nil
	}

	switch sub {
	case "export":
		if len(rest) == 0 {
			infos, err := m.ExportAll(ctx)
			if err != nil {
				return err
			}
			return e.printJSON(infos)
		}
		var infos []snapshot.Info
		for _, name := range rest {
			info, err := m.Export(ctx, name)
			if err != nil {
				return err
			}
			infos = append(infos, info)
		}
		return e.printJSON(infos)
	case "import":
		if err := needCollection(); err != nil {
			return err
		}
		var name string
		if len(rest) > 1 {
			name = rest[1]
		}
		info, err := m.Import(ctx, rest[0], name)
		if err != nil {
			return err
		}
		return e.printJSON(info)
	case "import-all":
		infos, err := m.ImportAll(ctx)
		if err != nil {
			return err
		}
		return e.printJSON(infos)
	case "list":
		if err := needCollection(); err != nil {
			return err
		}
		objects, err := m.List(ctx, rest[0])
		if err != nil {
			return err
		}
		if objects == nil {
			objects = []storage.ObjectInfo{}
		}
		return e.printJSON(objects)
	case "prune":
		if err := needCollection(); err != nil {
			return err
		}
		if keep <= 0 {
			keep = d.Config().Maintenance.SnapshotKeep
		}
		n, err := m.Prune(ctx, rest[0], keep)
		if err != nil {
			return err
		}
		return e.printJSON(map[string]int{"deleted": n})
	default:
		return fmt.Errorf("unknown snapshot command %q", sub)
	}
}

func cmdVersion() *Command {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "version",
		Short: "Print version information",
		Exec: func(ctx context.Context, e *env, args []string) error {
			fmt.Fprintf(e.out, "cachedb version %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
