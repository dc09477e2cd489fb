// Command sqlitecult-admin manages the databases folder from the shell:
// listing, describing, exports, imports, snapshots and API tokens.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/sqlitecult/sqlitecult/internal/auth"
	"github.com/sqlitecult/sqlitecult/internal/config"
	"github.com/sqlitecult/sqlitecult/internal/conn"
	"github.com/sqlitecult/sqlitecult/internal/observability"
	"github.com/sqlitecult/sqlitecult/internal/storage"
	"github.com/sqlitecult/sqlitecult/internal/transfer"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	Config  string `name:"config" short:"c" help:"Configuration file (YAML or JSON)" type:"path"`
	EnvFile string `name:"env-file" help:"Optional dotenv file" default:".env"`
	DataDir string `name:"data-dir" help:"Base directory for data files" type:"path"`
	DBDir   string `name:"db-dir" help:"Folder holding the databases" type:"path"`

	out    io.Writer
	cfg    *config.Config
	logger logrus.FieldLogger
}

// CLI defines the command-line interface.
var CLI struct {
	Globals

	List     ListCmd     `cmd:"" help:"List databases with their table counts and sizes"`
	Describe DescribeCmd `cmd:"" help:"Show the columns and indexes of a table"`
	Export   ExportCmd   `cmd:"" help:"Export a table as CSV or JSON"`
	Import   ImportCmd   `cmd:"" help:"Import a CSV or JSON file into a table"`
	Snapshot SnapshotCmd `cmd:"" help:"Copy a database to object storage"`
	Restore  RestoreCmd  `cmd:"" help:"Restore a snapshot from object storage as a new database"`
	Token    TokenCmd    `cmd:"" help:"Mint an API token for one database"`
	Objects  ObjectsCmd  `cmd:"" help:"Manage exports and snapshots in object storage"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

// ObjectsCmd groups object storage operations.
type ObjectsCmd struct {
	List   ObjectsListCmd   `cmd:"" help:"List stored objects"`
	Pull   ObjectsPullCmd   `cmd:"" help:"Download objects into a local folder"`
	Delete ObjectsDeleteCmd `cmd:"" help:"Delete stored objects"`
}

// load resolves configuration once: file or defaults, then environment,
// then flags.
func (g *Globals) load() (*config.Config, error) {
	if g.cfg != nil {
		return g.cfg, nil
	}
	if g.EnvFile != "" {
		if err := godotenv.Load(g.EnvFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", g.EnvFile, err)
		}
	}

	var cfg *config.Config
	if g.Config != "" {
		c, err := config.LoadFromFile(g.Config)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	if g.DataDir != "" {
		cfg.DataDir = g.DataDir
	}
	if g.DBDir != "" {
		cfg.Database.Dir = g.DBDir
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if g.logger == nil {
		logger, err := observability.NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		g.logger = logger
	}
	g.cfg = cfg
	return cfg, nil
}

func (g *Globals) manager() (*conn.Manager, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	return conn.NewManager(conn.Config{
		Dir:             cfg.Database.Dir,
		Driver:          cfg.Database.Driver,
		BusyTimeout:     cfg.Database.BusyTimeout,
		ListConcurrency: cfg.Database.ListConcurrency,
	}, g.logger)
}

func (g *Globals) storage(ctx context.Context) (storage.ObjectStorage, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return storage.New(ctx, cfg.Storage)
}

// open returns a handle on an existing database.
func (g *Globals) open(ctx context.Context, name string) (*conn.Handle, error) {
	m, err := g.manager()
	if err != nil {
		return nil, err
	}
	return m.Open(ctx, name)
}

func (g *Globals) printJSON(v interface{}) error {
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ListCmd lists the databases in the folder.
type ListCmd struct {
	JSON bool `help:"Print JSON instead of a table"`
}

func (c *ListCmd) Run(g *Globals) error {
	m, err := g.manager()
	if err != nil {
		return err
	}
	dbs, err := m.ListDatabases(context.Background())
	if err != nil {
		return err
	}
	if c.JSON {
		return g.printJSON(dbs)
	}
	tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTABLES\tSIZE")
	for _, db := range dbs {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", db.Name, db.TableCount, db.SizeBytes)
	}
	return tw.Flush()
}

// DescribeCmd prints the schema of one table, or the table list when no
// table is given.
type DescribeCmd struct {
	Database string `arg:"" help:"Database name"`
	Table    string `arg:"" optional:"" help:"Table name"`
	JSON     bool   `help:"Print JSON"`
}

func (c *DescribeCmd) Run(g *Globals) error {
	ctx := context.Background()
	h, err := g.open(ctx, c.Database)
	if err != nil {
		return err
	}
	defer h.Close()

	if c.Table == "" {
		tables, err := h.ListTables(ctx)
		if err != nil {
			return err
		}
		if c.JSON {
			return g.printJSON(tables)
		}
		for _, t := range tables {
			n, err := h.RowCount(ctx, t)
			if err != nil {
				return err
			}
			fmt.Fprintf(g.out, "%s\t%d rows\n", t, n)
		}
		return nil
	}

	ts, err := h.DescribeTable(ctx, c.Table)
	if err != nil {
		return err
	}
	if c.JSON {
		return g.printJSON(ts)
	}
	tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tTYPE\tNULL\tDEFAULT\tPK")
	for _, col := range ts.Columns {
		def := ""
		if col.Default != nil {
			def = *col.Default
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%t\n", col.Name, col.Type, col.Nullable, def, col.IsPrimaryKey())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, idx := range ts.Indexes {
		unique := ""
		if idx.Unique {
			unique = "unique "
		}
		fmt.Fprintf(g.out, "%sindex %s (%s)\n", unique, idx.Name, strings.Join(idx.Columns, ", "))
	}
	return nil
}

// ExportCmd writes a table to a file, stdout or object storage.
type ExportCmd struct {
	Database  string `arg:"" help:"Database name"`
	Table     string `arg:"" help:"Table name"`
	Format    string `short:"f" help:"Output format (csv, json)" default:"csv" enum:"csv,json"`
	Out       string `short:"o" help:"Output file, - for stdout" default:"-"`
	Compress  bool   `help:"Snappy-compress the output"`
	ToStorage bool   `name:"to-storage" help:"Upload to object storage instead of writing locally"`
	Object    string `help:"Object path when uploading (default exports/<db>/<table>-<id>.<ext>)"`
}

func (c *ExportCmd) Run(g *Globals) error {
	ctx := context.Background()
	format, err := transfer.ParseFormat(c.Format)
	if err != nil {
		return err
	}
	opts := transfer.ExportOptions{Compress: c.Compress}
	h, err := g.open(ctx, c.Database)
	if err != nil {
		return err
	}
	defer h.Close()

	if c.ToStorage {
		store, err := g.storage(ctx)
		if err != nil {
			return err
		}
		object := c.Object
		if object == "" {
			object = transfer.ExportObjectPath(h.Name(), c.Table, format, c.Compress)
		}
		res, err := transfer.ExportToStorage(ctx, h, c.Table, format, opts, store, object)
		if err != nil {
			return err
		}
		return g.printJSON(res)
	}

	it, err := transfer.Export(ctx, h, c.Table, format)
	if err != nil {
		return err
	}
	defer it.Close()

	w := g.out
	if c.Out != "-" {
		f, err := os.Create(c.Out)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", c.Out, err)
		}
		defer f.Close()
		w = f
	}
	res, err := transfer.WriteExport(w, it, format, opts)
	if err != nil {
		return err
	}
	if c.Out != "-" {
		fmt.Fprintf(g.out, "exported %d rows to %s (%d bytes, checksum %s)\n", res.Rows, c.Out, res.Bytes, res.Checksum)
	}
	return nil
}

// ImportCmd loads a file into an existing table. Columns the table lacks
// are added as TEXT when --add-columns is set.
type ImportCmd struct {
	Database   string `arg:"" help:"Database name"`
	Table      string `arg:"" help:"Table name"`
	File       string `arg:"" help:"CSV or JSON file" type:"existingfile"`
	Format     string `short:"f" help:"Input format (csv, json), default from the file extension"`
	AddColumns bool   `name:"add-columns" help:"Add missing columns using the suggested types"`
}

func (c *ImportCmd) Run(g *Globals) error {
	ctx := context.Background()
	var format transfer.Format
	var err error
	if c.Format != "" {
		format, err = transfer.ParseFormat(c.Format)
	} else {
		format, err = transfer.FormatFromFilename(c.File)
	}
	if err != nil {
		return err
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", c.File, err)
	}

	h, err := g.open(ctx, c.Database)
	if err != nil {
		return err
	}
	defer h.Close()

	preview, err := transfer.Preview(ctx, h, c.Table, format, bytes.NewReader(data))
	if err != nil {
		return err
	}
	var res *transfer.ImportResult
	if preview.NeedsColumns() {
		if !c.AddColumns {
			return fmt.Errorf("file has columns missing from %s: %s (rerun with --add-columns)",
				c.Table, strings.Join(preview.MissingColumns, ", "))
		}
		cols, err := preview.SuggestedColumns()
		if err != nil {
			return err
		}
		res, err = transfer.ImportWithColumns(ctx, h, c.Table, format, bytes.NewReader(data), cols)
		if err != nil {
			return err
		}
	} else {
		res, err = transfer.Import(ctx, h, c.Table, format, bytes.NewReader(data))
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(g.out, "imported %d rows into %s\n", res.Rows, res.Table)
	return nil
}

// SnapshotCmd uploads a consistent copy of a database.
type SnapshotCmd struct {
	Database string `arg:"" help:"Database name"`
	Object   string `help:"Object path (default snapshots/<db>-<time>-<id>.db)"`
}

func (c *SnapshotCmd) Run(g *Globals) error {
	ctx := context.Background()
	store, err := g.storage(ctx)
	if err != nil {
		return err
	}
	h, err := g.open(ctx, c.Database)
	if err != nil {
		return err
	}
	defer h.Close()

	object := c.Object
	if object == "" {
		object = transfer.SnapshotObjectPath(h.Name(), time.Now())
	}
	info, err := transfer.Snapshot(ctx, h, store, object)
	if err != nil {
		return err
	}
	return g.printJSON(info)
}

// RestoreCmd downloads a snapshot as a new database.
type RestoreCmd struct {
	Object string `arg:"" help:"Snapshot object path"`
	Name   string `arg:"" help:"New database name"`
}

func (c *RestoreCmd) Run(g *Globals) error {
	ctx := context.Background()
	store, err := g.storage(ctx)
	if err != nil {
		return err
	}
	m, err := g.manager()
	if err != nil {
		return err
	}
	file, err := transfer.Restore(ctx, m, store, c.Object, c.Name)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.out, "restored %s as %s\n", c.Object, file)
	return nil
}

// TokenCmd mints a bearer token for the JSON API and gRPC.
type TokenCmd struct {
	Database    string `arg:"" help:"Database the token is scoped to"`
	Subject     string `short:"s" help:"Token subject" default:"admin"`
	Permissions string `short:"p" help:"Comma separated permissions (read,create,update,delete)" default:"read"`
}

func (c *TokenCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if !cfg.APIEnabled() {
		return fmt.Errorf("no jwt secret configured (set SQLITECULT_JWT_SECRET)")
	}
	file, err := conn.FileName(c.Database)
	if err != nil {
		return err
	}
	perms, err := auth.ParsePermissions(c.Permissions)
	if err != nil {
		return err
	}
	token, expires, err := auth.NewAuthenticator(cfg.Auth).Mint(c.Subject, file, perms)
	if err != nil {
		return err
	}
	return g.printJSON(map[string]interface{}{
		"token":      token,
		"database":   file,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

// ObjectsListCmd lists objects under a prefix.
type ObjectsListCmd struct {
	Prefix string `arg:"" optional:"" help:"Object path prefix (exports/, snapshots/)"`
}

func (c *ObjectsListCmd) Run(g *Globals) error {
	ctx := context.Background()
	store, err := g.storage(ctx)
	if err != nil {
		return err
	}
	objects, err := store.ListObjects(ctx, c.Prefix)
	if err != nil {
		return err
	}
	for _, o := range objects {
		fmt.Fprintln(g.out, o)
	}
	return nil
}

// ObjectsPullCmd downloads objects in parallel. Files already present are
// skipped.
type ObjectsPullCmd struct {
	Objects     []string `arg:"" help:"Object paths"`
	Dir         string   `short:"d" help:"Destination folder" default:"." type:"path"`
	Concurrency int      `help:"Parallel downloads" default:"4"`
}

func (c *ObjectsPullCmd) Run(g *Globals) error {
	ctx := context.Background()
	store, err := g.storage(ctx)
	if err != nil {
		return err
	}
	res, err := storage.NewFetcher(store, c.Concurrency, c.Dir).Fetch(ctx, c.Objects)
	if err != nil {
		return err
	}
	for _, o := range c.Objects {
		if p, ok := res.LocalPaths[o]; ok {
			fmt.Fprintf(g.out, "%s -> %s\n", o, p)
		}
	}
	fmt.Fprintf(g.out, "downloaded %d, skipped %d, failed %d\n", res.Downloaded, res.Skipped, len(res.Errors))
	if len(res.Errors) > 0 {
		for o, ferr := range res.Errors {
			g.logger.WithError(ferr).WithField("object", o).Error("download failed")
		}
		return fmt.Errorf("%d object(s) failed to download", len(res.Errors))
	}
	return nil
}

// ObjectsDeleteCmd removes objects.
type ObjectsDeleteCmd struct {
	Objects []string `arg:"" help:"Object paths"`
}

func (c *ObjectsDeleteCmd) Run(g *Globals) error {
	ctx := context.Background()
	store, err := g.storage(ctx)
	if err != nil {
		return err
	}
	for _, o := range c.Objects {
		if err := store.Delete(ctx, o); err != nil {
			return err
		}
		fmt.Fprintf(g.out, "deleted %s\n", filepath.ToSlash(o))
	}
	return nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.out, "sqlitecult-admin %s\n", version)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("sqlitecult-admin"),
		kong.Description("Manage a SQLiteCult databases folder"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	CLI.Globals.out = os.Stdout
	err := ctx.Run(&CLI.Globals)
	ctx.FatalIfErrorf(err)
}
