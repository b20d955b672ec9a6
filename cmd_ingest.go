package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/policy-agent/chat"
	"github.com/fabfab/policy-agent/chunker"
	"github.com/fabfab/policy-agent/database"
	"github.com/fabfab/policy-agent/embeddings"
	"github.com/fabfab/policy-agent/ingestion"
	"github.com/fabfab/policy-agent/knowledge"
	"github.com/fabfab/policy-agent/policy"
	"github.com/fabfab/policy-agent/vectorstore"
)

func newIngestCmd(a *app) *cobra.Command {
	var (
		dir        string
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Index the policy documents of a directory",
		Long: `Reads every .md, .pdf and .txt file directly inside the directory, splits it
into overlapping chunks, embeds them and stores them in the index. Unchanged
documents are skipped; changed documents replace their previous entries.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = a.cfg.DataDir
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			lines := &lineObserver{out: cmd.OutOrStdout()}
			var observer ingestion.Observer = lines
			if !noProgress {
				observer = &progressObserver{lines: lines, errOut: cmd.ErrOrStderr()}
			}
			return a.ingest(ctx, dir, observer, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory containing policy documents (default from config data_dir)")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	return cmd
}

func (a *app) ingest(ctx context.Context, dir string, observer ingestion.Observer, out io.Writer) error {
	chunks, err := chunker.NewWithConfig(chunker.Config{Size: a.cfg.Chunking.Size, Overlap: a.cfg.Chunking.Overlap})
	if err != nil {
		return &policy.ConfigurationError{Op: "configure chunker", Err: err}
	}

	embedder, err := embeddings.NewEmbedder(a.cfg)
	if err != nil {
		return &policy.ConfigurationError{Op: "set up embedder", Err: err}
	}

	index, err := vectorstore.Open(ctx, a.cfg, vectorstore.OpenOptions{Create: true})
	if err != nil {
		return err
	}
	defer index.Close()

	identity := embeddings.Identity(embeddings.OptionsFromConfig(a.cfg))
	opts := []ingestion.Option{
		ingestion.WithChunker(chunks),
		ingestion.WithLogger(a.logger.Named("ingestion")),
		ingestion.WithWorkers(a.cfg.Ingest.Workers),
		ingestion.WithBatchSize(a.cfg.Embeddings.BatchSize),
		ingestion.WithExclude(a.cfg.Ingest.Exclude...),
		ingestion.WithFingerprintSalt(identity),
		ingestion.WithObserver(observer),
	}

	if a.cfg.Neo4jURI != "" {
		driver, err := database.NewNeo4jDriver(ctx, a.cfg.Neo4jURI, a.cfg.Neo4jUser, a.cfg.Neo4jPass)
		if err != nil {
			return &policy.ConfigurationError{Op: "connect neo4j", Err: err}
		}
		catalog := knowledge.NewCatalog(driver)
		defer catalog.Close(context.WithoutCancel(ctx))
		opts = append(opts, ingestion.WithCatalog(catalog, a.cfg.Index.Collection))
	}

	a.logger.Info("ingesting policy documents",
		zap.String("dir", dir),
		zap.String("embeddings", identity),
		zap.String("index", a.cfg.Index.Backend))

	report, err := ingestion.NewPipeline(index, embedder, opts...).Ingest(ctx, dir)
	if report != nil {
		fmt.Fprintln(out, report.Summary())
		if changed := report.Count(ingestion.StatusIngested) + report.Count(ingestion.StatusEmpty); changed > 0 {
			a.flushCache(ctx)
		}
	}
	return err
}

// flushCache drops cached answers after the index changed.
func (a *app) flushCache(ctx context.Context) {
	cache, err := chat.NewCacheFromConfig(ctx, a.cfg, a.logger)
	if err != nil {
		a.logger.Warn("answer cache unavailable", zap.Error(err))
		return
	}
	if cache == nil {
		return
	}
	defer cache.Close()

	n, err := cache.Flush(ctx)
	if err != nil {
		a.logger.Warn("flush answer cache", zap.Error(err))
		return
	}
	a.logger.Info("flushed answer cache", zap.Int("entries", n))
}

// lineObserver prints one line per finished document.
type lineObserver struct {
	out io.Writer
}

func (o *lineObserver) Start(total int) {
	fmt.Fprintf(o.out, "found %d documents\n", total)
}

func (o *lineObserver) FileDone(res ingestion.FileResult) {
	switch res.Status {
	case ingestion.StatusFailed:
		fmt.Fprintf(o.out, "  %-9s %s: %v\n", res.Status, res.Source, res.Err)
	case ingestion.StatusIngested:
		fmt.Fprintf(o.out, "  %-9s %s (%d chunks)\n", res.Status, res.Source, res.Chunks)
	default:
		fmt.Fprintf(o.out, "  %-9s %s\n", res.Status, res.Source)
	}
}

// progressObserver draws a progress bar on stderr next to the status lines.
type progressObserver struct {
	lines  *lineObserver
	errOut io.Writer
	bar    *progressbar.ProgressBar
}

func (o *progressObserver) Start(total int) {
	o.lines.Start(total)
	if total <= 0 {
		return
	}
	o.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(o.errOut),
		progressbar.OptionSetDescription("ingesting"),
		progressbar.OptionSetWidth(32),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func (o *progressObserver) FileDone(res ingestion.FileResult) {
	if o.bar != nil {
		_ = o.bar.Clear()
	}
	o.lines.FileDone(res)
	if o.bar != nil {
		_ = o.bar.Add(1)
	}
}
