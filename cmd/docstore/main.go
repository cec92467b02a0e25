package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/antonellof/docstore/pkg/collection"
	"github.com/antonellof/docstore/pkg/config"
	"github.com/antonellof/docstore/pkg/dictionary"
	"github.com/antonellof/docstore/pkg/index"
	"github.com/antonellof/docstore/pkg/logging"
	"github.com/antonellof/docstore/pkg/opsserver"
	"github.com/antonellof/docstore/pkg/storage"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/bson"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "docstore",
		Usage:   "Embedded BSON document store",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Show version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("docstore %s\n", Version)
					fmt.Printf("Build Time: %s\n", BuildTime)
					fmt.Printf("Git Commit: %s\n", GitCommit)
					return nil
				},
			},
			{
				Name:  "create-collection",
				Usage: "Create a new collection",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "name", Required: true, Usage: "Collection name"},
				},
				Action: createCollection,
			},
			{
				Name:  "insert",
				Usage: "Insert a document as JSON",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "collection", Required: true},
					&cli.StringFlag{Name: "key", Required: true, Usage: "Primary key value"},
					&cli.StringFlag{Name: "doc", Required: true, Usage: "Document body as JSON"},
				},
				Action: insertDocument,
			},
			{
				Name:  "find",
				Usage: "Find a document by primary key",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "collection", Required: true},
					&cli.StringFlag{Name: "key", Required: true},
				},
				Action: findDocument,
			},
			{
				Name:  "scan",
				Usage: "Print every document in a collection",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "collection", Required: true},
				},
				Action: scanCollection,
			},
			{
				Name:  "stats",
				Usage: "Show database statistics",
				Flags: []cli.Flag{
					dbFlag,
				},
				Action: showStats,
			},
			{
				Name:  "checkpoint",
				Usage: "Force a WAL checkpoint",
				Flags: []cli.Flag{
					dbFlag,
				},
				Action: runCheckpoint,
			},
			{
				Name:  "backup",
				Usage: "Copy the database to a backup file",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "output", Required: true},
				},
				Action: backupDatabase,
			},
			{
				Name:  "serve-ops",
				Usage: "Start the read-only operational HTTP inspector",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "addr", Value: "127.0.0.1:9090", Usage: "Listen address"},
				},
				Action: serveOps,
			},
			{
				Name:  "vector-create-index",
				Usage: "Attach an HNSW vector index to a collection",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "collection", Required: true},
					&cli.IntFlag{Name: "dimensions", Required: true},
				},
				Action: vectorCreateIndex,
			},
			{
				Name:  "vector-insert",
				Usage: "Add a vector to a collection's vector index",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "collection", Required: true},
					&cli.StringFlag{Name: "id", Required: true},
					&cli.StringFlag{Name: "vector", Required: true, Usage: "Comma-separated floats"},
				},
				Action: vectorInsert,
			},
			{
				Name:  "vector-search",
				Usage: "Find the k nearest neighbors of a query vector",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "collection", Required: true},
					&cli.StringFlag{Name: "vector", Required: true, Usage: "Comma-separated floats"},
					&cli.IntFlag{Name: "k", Value: 10},
				},
				Action: vectorSearch,
			},
			{
				Name:  "timeseries-create",
				Usage: "Attach a time-series satellite to a collection",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "collection", Required: true},
					&cli.Int64Flag{Name: "retention-seconds", Required: true},
				},
				Action: timeSeriesCreate,
			},
			{
				Name:  "timeseries-append",
				Usage: "Append a timestamped document to a collection's time series",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "collection", Required: true},
					&cli.Int64Flag{Name: "ts", Required: true},
					&cli.StringFlag{Name: "doc", Required: true, Usage: "Document body as JSON"},
				},
				Action: timeSeriesAppend,
			},
			{
				Name:  "timeseries-range",
				Usage: "Print every time-series point with a timestamp in [from, to]",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "collection", Required: true},
					&cli.Int64Flag{Name: "from", Required: true},
					&cli.Int64Flag{Name: "to", Required: true},
				},
				Action: timeSeriesRange,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var dbFlag = &cli.StringFlag{
	Name:    "db",
	Value:   "./docstore.db",
	Usage:   "Database file path",
	EnvVars: []string{"DOCSTORE_DB_PATH"},
}

func openEngine(c *cli.Context) (*storage.Engine, *config.Config, error) {
	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, nil, err
	}
	log := logging.New(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	e, err := storage.Open(c.String("db"), cfg, log, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return e, cfg, nil
}

func createCollection(c *cli.Context) error {
	e, cfg, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	dict, err := dictionary.Open(e, cfg.ReservedDictionaryIDs)
	if err != nil {
		return fmt.Errorf("open dictionary: %w", err)
	}

	tx := e.BeginTransaction(storage.ReadCommitted)
	if _, err := collection.Create(e, tx.ID, c.String("name"), nil, dict, cfg, logging.Nop(), nil); err != nil {
		_ = e.Rollback(tx)
		return fmt.Errorf("create collection: %w", err)
	}
	if err := e.Commit(tx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	fmt.Printf("Collection %q created\n", c.String("name"))
	return nil
}

func insertDocument(c *cli.Context) error {
	e, cfg, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	dict, err := dictionary.Open(e, cfg.ReservedDictionaryIDs)
	if err != nil {
		return fmt.Errorf("open dictionary: %w", err)
	}
	coll, err := collection.Open(e, c.String("collection"), dict, cfg, logging.Nop(), nil)
	if err != nil {
		return fmt.Errorf("open collection: %w", err)
	}

	var doc bson.M
	if err := json.Unmarshal([]byte(c.String("doc")), &doc); err != nil {
		return fmt.Errorf("parse document JSON: %w", err)
	}

	tx := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.Insert(tx, c.String("key"), doc); err != nil {
		_ = e.Rollback(tx)
		return fmt.Errorf("insert: %w", err)
	}
	if err := e.Commit(tx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	fmt.Println("document inserted")
	return nil
}

func findDocument(c *cli.Context) error {
	e, cfg, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	dict, err := dictionary.Open(e, cfg.ReservedDictionaryIDs)
	if err != nil {
		return fmt.Errorf("open dictionary: %w", err)
	}
	coll, err := collection.Open(e, c.String("collection"), dict, cfg, logging.Nop(), nil)
	if err != nil {
		return fmt.Errorf("open collection: %w", err)
	}

	tx := e.BeginTransaction(storage.ReadCommitted)
	doc, err := coll.Find(tx, c.String("key"))
	_ = e.Rollback(tx)
	if err != nil {
		return fmt.Errorf("find: %w", err)
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func scanCollection(c *cli.Context) error {
	e, cfg, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	dict, err := dictionary.Open(e, cfg.ReservedDictionaryIDs)
	if err != nil {
		return fmt.Errorf("open dictionary: %w", err)
	}
	coll, err := collection.Open(e, c.String("collection"), dict, cfg, logging.Nop(), nil)
	if err != nil {
		return fmt.Errorf("open collection: %w", err)
	}

	tx := e.BeginTransaction(storage.ReadCommitted)
	docs, err := coll.Scan(tx, nil)
	_ = e.Rollback(tx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	for _, doc := range docs {
		out, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}

func showStats(c *cli.Context) error {
	e, _, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	stats := e.Stats()
	fmt.Println("docstore statistics")
	fmt.Println("====================")
	fmt.Printf("Page count:         %d\n", stats.PageCount)
	fmt.Printf("WAL size:           %d bytes\n", stats.WALSize)
	fmt.Printf("Active transactions: %d\n", stats.ActiveTxCount)
	fmt.Printf("Uncheckpointed:     %d\n", stats.UncheckpointedN)
	return nil
}

func runCheckpoint(c *cli.Context) error {
	e, _, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Checkpoint(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	fmt.Println("checkpoint complete")
	return nil
}

func backupDatabase(c *cli.Context) error {
	e, _, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Backup(c.String("output")); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	fmt.Printf("backup written to %s\n", c.String("output"))
	return nil
}

func serveOps(c *cli.Context) error {
	e, cfg, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	dict, err := dictionary.Open(e, cfg.ReservedDictionaryIDs)
	if err != nil {
		return fmt.Errorf("open dictionary: %w", err)
	}
	catalog := collection.NewCatalog(e)
	log := logging.New(logging.Config{Level: cfg.Logging.Level})

	srvCfg := opsserver.DefaultConfig()
	srvCfg.Addr = c.String("addr")
	srv := opsserver.New(e, catalog, dict, cfg, log, srvCfg)

	log.Info().Str("addr", srvCfg.Addr).Msg("serving ops endpoints")
	return srv.Start()
}

// parseVector splits a comma-separated list of floats into a vector.
func parseVector(s string) ([]float32, error) {
	fields := strings.Split(s, ",")
	out := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %q: %w", f, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}

func openCollection(c *cli.Context) (*storage.Engine, *collection.Collection, error) {
	e, cfg, err := openEngine(c)
	if err != nil {
		return nil, nil, err
	}
	dict, err := dictionary.Open(e, cfg.ReservedDictionaryIDs)
	if err != nil {
		e.Close()
		return nil, nil, fmt.Errorf("open dictionary: %w", err)
	}
	coll, err := collection.Open(e, c.String("collection"), dict, cfg, logging.Nop(), nil)
	if err != nil {
		e.Close()
		return nil, nil, fmt.Errorf("open collection: %w", err)
	}
	return e, coll, nil
}

func vectorCreateIndex(c *cli.Context) error {
	e, coll, err := openCollection(c)
	if err != nil {
		return err
	}
	defer e.Close()

	tx := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.CreateVectorIndex(tx, c.Int("dimensions"), index.MetricCosine); err != nil {
		_ = e.Rollback(tx)
		return fmt.Errorf("create vector index: %w", err)
	}
	if err := e.Commit(tx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	fmt.Println("vector index created")
	return nil
}

func vectorInsert(c *cli.Context) error {
	e, coll, err := openCollection(c)
	if err != nil {
		return err
	}
	defer e.Close()

	vec, err := parseVector(c.String("vector"))
	if err != nil {
		return err
	}

	tx := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.VectorInsert(tx, c.String("id"), vec); err != nil {
		_ = e.Rollback(tx)
		return fmt.Errorf("vector insert: %w", err)
	}
	if err := e.Commit(tx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	fmt.Println("vector inserted")
	return nil
}

func vectorSearch(c *cli.Context) error {
	e, coll, err := openCollection(c)
	if err != nil {
		return err
	}
	defer e.Close()

	vec, err := parseVector(c.String("vector"))
	if err != nil {
		return err
	}

	tx := e.BeginTransaction(storage.ReadCommitted)
	results, err := coll.VectorSearch(tx, vec, c.Int("k"))
	_ = e.Rollback(tx)
	if err != nil {
		return fmt.Errorf("vector search: %w", err)
	}

	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func timeSeriesCreate(c *cli.Context) error {
	e, coll, err := openCollection(c)
	if err != nil {
		return err
	}
	defer e.Close()

	tx := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.CreateTimeSeries(tx, c.Int64("retention-seconds")); err != nil {
		_ = e.Rollback(tx)
		return fmt.Errorf("create time series: %w", err)
	}
	if err := e.Commit(tx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	fmt.Println("time series created")
	return nil
}

func timeSeriesAppend(c *cli.Context) error {
	e, coll, err := openCollection(c)
	if err != nil {
		return err
	}
	defer e.Close()

	var doc bson.M
	if err := json.Unmarshal([]byte(c.String("doc")), &doc); err != nil {
		return fmt.Errorf("parse document JSON: %w", err)
	}

	tx := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.AppendTimeSeries(tx, c.Int64("ts"), doc); err != nil {
		_ = e.Rollback(tx)
		return fmt.Errorf("append time series point: %w", err)
	}
	if err := e.Commit(tx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	fmt.Println("point appended")
	return nil
}

func timeSeriesRange(c *cli.Context) error {
	e, coll, err := openCollection(c)
	if err != nil {
		return err
	}
	defer e.Close()

	tx := e.BeginTransaction(storage.ReadCommitted)
	points, err := coll.RangeTimeSeries(tx, c.Int64("from"), c.Int64("to"))
	_ = e.Rollback(tx)
	if err != nil {
		return fmt.Errorf("range time series: %w", err)
	}

	for _, p := range points {
		out, err := json.Marshal(p)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}
