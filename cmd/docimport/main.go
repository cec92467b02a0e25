// Command docimport extracts plain text from PDF and DOCX files and
// inserts one document per source file into a docstore collection,
// tagged with a generated primary key and basic file metadata.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	docx "github.com/fumiama/go-docx"
	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/antonellof/docstore/pkg/collection"
	"github.com/antonellof/docstore/pkg/config"
	"github.com/antonellof/docstore/pkg/dictionary"
	"github.com/antonellof/docstore/pkg/logging"
	"github.com/antonellof/docstore/pkg/storage"
)

func main() {
	app := &cli.App{
		Name:  "docimport",
		Usage: "Import PDF/DOCX files as documents into a docstore collection",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Value: "./docstore.db", Usage: "Database file path", EnvVars: []string{"DOCSTORE_DB_PATH"}},
			&cli.StringFlag{Name: "collection", Required: true, Usage: "Target collection name"},
		},
		Action: runImport,
		Args:   true,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runImport(c *cli.Context) error {
	paths := c.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("at least one file path is required")
	}

	cfg := config.Default()
	logger := logging.New(logging.Config{Level: cfg.Logging.Level})
	e, err := storage.Open(c.String("db"), cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer e.Close()

	dict, err := dictionary.Open(e, cfg.ReservedDictionaryIDs)
	if err != nil {
		return fmt.Errorf("open dictionary: %w", err)
	}

	collName := c.String("collection")
	coll, err := collection.Open(e, collName, dict, cfg, logger, nil)
	if err != nil {
		tx := e.BeginTransaction(storage.ReadCommitted)
		coll, err = collection.Create(e, tx.ID, collName, nil, dict, cfg, logger, nil)
		if err != nil {
			_ = e.Rollback(tx)
			return fmt.Errorf("create collection %q: %w", collName, err)
		}
		if err := e.Commit(tx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}

	for _, path := range paths {
		doc, err := extractDocument(path)
		if err != nil {
			log.Printf("skipping %s: %v", path, err)
			continue
		}

		tx := e.BeginTransaction(storage.ReadCommitted)
		if err := coll.Insert(tx, doc["_id"], doc); err != nil {
			_ = e.Rollback(tx)
			return fmt.Errorf("insert %s: %w", path, err)
		}
		if err := e.Commit(tx); err != nil {
			return fmt.Errorf("commit %s: %w", path, err)
		}
		fmt.Printf("imported %s as %s\n", path, doc["_id"])
	}
	return nil
}

// extractDocument reads path, dispatches on its extension, and returns a
// BSON document carrying the extracted text plus basic file metadata.
func extractDocument(path string) (bson.M, error) {
	ext := strings.ToLower(filepath.Ext(path))
	var text string
	var err error

	switch ext {
	case ".pdf":
		text, err = extractPDFText(path)
	case ".docx":
		text, err = extractDOCXText(path)
	default:
		return nil, fmt.Errorf("unsupported file extension %q", ext)
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no extractable text")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	return bson.M{
		"_id":         uuid.NewString(),
		"source_path": path,
		"source_type": strings.TrimPrefix(ext, "."),
		"text":        text,
		"size_bytes":  info.Size(),
		"imported_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// extractPDFText concatenates the plain text of every page, grounded on
// github.com/ledongthuc/pdf's Reader/Page/GetPlainText API.
func extractPDFText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(pageText))
	}
	return b.String(), nil
}

// extractDOCXText walks a parsed DOCX body, concatenating every run's
// text, grounded on github.com/fumiama/go-docx's Parse/Body/Items API.
func extractDOCXText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	doc, err := docx.Parse(f, info.Size())
	if err != nil {
		return "", fmt.Errorf("parse docx: %w", err)
	}

	var b strings.Builder
	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		line := paragraphText(para)
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(line)
	}
	return b.String(), nil
}

func paragraphText(para *docx.Paragraph) string {
	var b strings.Builder
	for _, child := range para.Children {
		run, ok := child.(*docx.Run)
		if !ok || run.Text == nil {
			continue
		}
		b.WriteString(run.Text.Text)
	}
	return strings.TrimSpace(b.String())
}
