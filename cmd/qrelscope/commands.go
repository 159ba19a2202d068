package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/qrelscope/qrelscope/internal/bus"
	"github.com/qrelscope/qrelscope/internal/client"
	"github.com/qrelscope/qrelscope/internal/config"
	"github.com/qrelscope/qrelscope/internal/db"
	"github.com/qrelscope/qrelscope/internal/evaluation"
	"github.com/qrelscope/qrelscope/internal/importer"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
	"github.com/qrelscope/qrelscope/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := db.Migrate(cmd.Context(), store.DBConfig(cfg.Database)); err != nil {
				return err
			}
			log.Info("Database is up to date", "driver", cfg.Database.Driver)
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	var opts importer.Options

	cmd := &cobra.Command{
		Use:   "import CORPUS_NAME [DATASET_NAME]",
		Short: "Load a benchmark into the catalog",
		Long: `Load a benchmark into the catalog in batches.

Documents are JSON lines of {"id", "title", "text"}. Queries are JSON lines
of {"id", "text", "description"} or tab-separated id/text rows. Relevance
judgments use the TREC qrels format. Files ending in .gz are decompressed.

Examples:
  qrelscope import msmarco --add-corpus --corpus corpus.jsonl.gz
  qrelscope import msmarco dev --queries queries.tsv --qrels qrels.dev.txt`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			opts.CorpusName = args[0]
			if len(args) == 2 {
				opts.DatasetName = args[1]
			}
			migrate, _ := cmd.Flags().GetBool("migrate")

			svc, closeFn, err := openStore(cmd.Context(), cfg, migrate, log)
			if err != nil {
				return err
			}
			defer closeFn()

			stats, err := importer.New(svc, log).Import(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if ok, err := printJSON(cmd, stats); ok || err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d documents, %d queries, %d qrels in %s\n",
				stats.Documents, stats.Queries, stats.QRels, stats.Duration.Round(time.Millisecond))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.CorpusFile, "corpus", "", "documents file (JSON lines)")
	f.StringVar(&opts.QueriesFile, "queries", "", "queries file (JSON lines or TSV)")
	f.StringVar(&opts.QueriesFmt, "queries-format", "", "queries format (jsonl, tsv); inferred from the file name by default")
	f.StringVar(&opts.QRelsFile, "qrels", "", "relevance judgments file (TREC format)")
	f.StringVar(&opts.TextField, "text-attr", "text", "document field holding the text")
	f.IntVar(&opts.BatchSize, "batch-size", importer.DefaultBatchSize, "records per store call")
	f.StringVar(&opts.Language, "language", "English", "corpus language")
	f.IntVar(&opts.MinRelevance, "min-relevance", 1, "lowest relevance counted as relevant")
	f.BoolVar(&opts.AddCorpus, "add-corpus", false, "create the corpus and load its documents")
	f.BoolVar(&opts.StripHTML, "strip-html", false, "reduce HTML documents to their visible text")
	f.BoolVar(&opts.CheckLanguage, "check-language", false, "warn when sampled documents are not in the corpus language")
	f.Bool("migrate", true, "apply database migrations first")
	return cmd
}

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Run a full-text search over documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			corpora, _ := cmd.Flags().GetStringSlice("corpus")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			query := strings.Join(args, " ")

			var page *store.Paginated[store.DocumentSearchHit]
			if c := remoteClient(cmd); c != nil {
				page, err = c.SearchDocuments(cmd.Context(), query, client.SearchOptions{
					Corpora: corpora,
					Limit:   limit,
					Offset:  offset,
				})
			} else {
				page, err = searchLocal(cmd.Context(), cfg, log, store.SearchRequest{
					Query:   query,
					Corpora: corpora,
					Limit:   limit,
					Offset:  offset,
				})
			}
			if err != nil {
				return err
			}
			if ok, err := printJSON(cmd, page); ok || err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CORPUS\tID\tSCORE\tSNIPPET")
			for _, hit := range page.Items {
				fmt.Fprintf(w, "%s\t%s\t%.4f\t%s\n", hit.CorpusName, hit.ID, hit.Score, hit.Snippet)
			}
			fmt.Fprintf(w, "\n%d of %d hits\n", len(page.Items), page.TotalNumItems)
			return w.Flush()
		},
	}
	cmd.Flags().StringSlice("corpus", nil, "corpora to search (default all)")
	cmd.Flags().Int("limit", 0, "hits per page (default from config)")
	cmd.Flags().Int("offset", 0, "hits to skip")
	return cmd
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate CORPUS_NAME DATASET_NAME",
		Short: "Evaluate full-text search against a dataset's judgments",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ks, _ := cmd.Flags().GetIntSlice("k")
			depth, _ := cmd.Flags().GetInt("depth")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			perQuery, _ := cmd.Flags().GetBool("per-query")

			req := evaluation.Request{
				CorpusName:  args[0],
				DatasetName: args[1],
				Ks:          ks,
				Depth:       depth,
			}

			var report *evaluation.Report
			if c := remoteClient(cmd); c != nil {
				report, err = c.Evaluate(cmd.Context(), req)
			} else {
				report, err = evaluateLocal(cmd.Context(), cfg, log, concurrency, req)
			}
			if err != nil {
				return err
			}
			if !perQuery {
				report.Results = nil
			}
			if ok, err := printJSON(cmd, report); ok || err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		},
	}
	cmd.Flags().IntSlice("k", nil, "cutoffs to report (default 1,3,5,10)")
	cmd.Flags().Int("depth", 0, "hits retrieved per query (default 100)")
	cmd.Flags().Int("concurrency", 0, "queries evaluated in parallel (local only)")
	cmd.Flags().Bool("per-query", false, "include per-query metrics")
	return cmd
}

func searchLocal(ctx context.Context, cfg *config.Config, log *logger.Logger, req store.SearchRequest) (*store.Paginated[store.DocumentSearchHit], error) {
	svc, err := store.Open(ctx, cfg, false, log)
	if err != nil {
		return nil, err
	}
	defer svc.DB().Close()
	return svc.SearchDocuments(ctx, req)
}

func evaluateLocal(ctx context.Context, cfg *config.Config, log *logger.Logger, concurrency int, req evaluation.Request) (*evaluation.Report, error) {
	svc, err := store.Open(ctx, cfg, false, log)
	if err != nil {
		return nil, err
	}
	defer svc.DB().Close()
	return evaluation.NewEvaluator(svc, concurrency, log).Evaluate(ctx, req)
}

func printReport(cmd *cobra.Command, report *evaluation.Report) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	s := report.Summary
	fmt.Fprintf(w, "%s/%s: %d queries, min relevance %d, depth %d\n\n",
		report.CorpusName, report.DatasetName, s.QueryCount, report.MinRelevance, report.Depth)

	ks := make([]int, 0, len(s.MeanNDCG))
	for k := range s.MeanNDCG {
		ks = append(ks, k)
	}
	sort.Ints(ks)

	fmt.Fprintln(w, "K\tNDCG\tRECALL\tPRECISION")
	for _, k := range ks {
		fmt.Fprintf(w, "%d\t%.4f\t%.4f\t%.4f\n", k, s.MeanNDCG[k], s.MeanRecall[k], s.MeanPrecision[k])
	}
	fmt.Fprintf(w, "\nMRR\t%.4f\nMAP\t%.4f\n", s.MeanMRR, s.MAP)

	for _, r := range report.Results {
		fmt.Fprintf(w, "%s\tAP %.4f\tRR %.4f\t%d/%d relevant\n", r.QueryID, r.AP, r.MRR, r.ResultCount, r.TotalRelevant)
	}
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print catalog change events from the journal",
		Long: `Print catalog change events from the journal.

With --replay the selected events are republished on the configured bus
instead, so server replicas that missed them drop their cached reads.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("journal")
			if path == "" {
				path = cfg.Bus.EventLog
			}
			if path == "" {
				return fmt.Errorf("no event journal configured")
			}
			since, _ := cmd.Flags().GetDuration("since")
			limit, _ := cmd.Flags().GetInt("limit")

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			if replay, _ := cmd.Flags().GetBool("replay"); replay {
				return replayJournal(cmd, cfg.Bus, path, from, log)
			}
			entries, err := bus.ReadJournal(path, from, limit)
			if err != nil {
				return err
			}
			if ok, err := printJSON(cmd, entries); ok || err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTOPIC\tTYPE\tID")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Topic, e.Event.Type, e.Event.ID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("journal", "", "journal path (default from config)")
	cmd.Flags().Duration("since", 0, "only events newer than this")
	cmd.Flags().Int("limit", 0, "maximum events to print")
	cmd.Flags().Bool("replay", false, "republish the events on the configured bus")
	return cmd
}

// replayJournal republishes journal entries newer than from. The bus is
// opened without its own journal so replayed events are not appended again.
func replayJournal(cmd *cobra.Command, busCfg config.BusConfig, path string, from time.Time, log *logger.Logger) error {
	if strings.EqualFold(busCfg.Type, "memory") || busCfg.Type == "" {
		return fmt.Errorf("replay needs a shared bus, not the in-process memory bus")
	}
	busCfg.EventLog = ""
	b, err := bus.NewBus(busCfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	journal, err := bus.OpenJournal(path)
	if err != nil {
		return err
	}
	defer journal.Close()

	n, err := journal.Replay(cmd.Context(), b, from)
	if err != nil {
		return fmt.Errorf("replayed %d events: %w", n, err)
	}
	log.Info("Journal replayed", "path", path, "events", n)
	fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events\n", n)
	return nil
}

func corporaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "corpora",
		Short: "List corpora and their datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			type corpusView struct {
				store.Corpus
				Datasets []store.Dataset `json:"datasets"`
			}
			views := []corpusView{}

			if c := remoteClient(cmd); c != nil {
				corpora, err := c.GetCorpora(cmd.Context())
				if err != nil {
					return err
				}
				for _, corpus := range corpora {
					datasets, err := c.GetDatasets(cmd.Context(), corpus.Name)
					if err != nil {
						return err
					}
					views = append(views, corpusView{corpus, datasets})
				}
			} else {
				svc, err := store.Open(cmd.Context(), cfg, false, log)
				if err != nil {
					return err
				}
				defer svc.DB().Close()
				corpora, err := svc.GetCorpora(cmd.Context())
				if err != nil {
					return err
				}
				for _, corpus := range corpora {
					datasets, err := svc.GetDatasets(cmd.Context(), corpus.Name)
					if err != nil {
						return err
					}
					views = append(views, corpusView{corpus, datasets})
				}
			}

			if ok, err := printJSON(cmd, views); ok || err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CORPUS\tLANGUAGE\tDOCUMENTS\tDATASET\tQUERIES\tMIN RELEVANCE")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%d\t\t\t\n", v.Name, v.Language, v.NumDocuments)
				for _, ds := range v.Datasets {
					fmt.Fprintf(w, "\t\t\t%s\t%d\t%d\n", ds.Name, ds.NumQueries, ds.MinRelevance)
				}
			}
			return w.Flush()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check a running server's readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := remoteClient(cmd)
			if c == nil {
				return fmt.Errorf("--server is required")
			}
			resp, err := c.Ready(cmd.Context())
			if resp != nil {
				if ok, jerr := printJSON(cmd, resp); !ok && jerr == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (version %s, up %s)\n", resp.Status, resp.Version, resp.Uptime)
					for name, comp := range resp.Components {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s %s\n", name, comp.Status, comp.Message)
					}
				}
			}
			return err
		},
	}
}
