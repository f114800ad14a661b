package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aletop130/ZeroHR/internal/document"
	"github.com/aletop130/ZeroHR/internal/domain"
	"github.com/aletop130/ZeroHR/internal/engine"
	"github.com/aletop130/ZeroHR/internal/events"
	"github.com/aletop130/ZeroHR/internal/orchestrator"
	"github.com/aletop130/ZeroHR/internal/prompts"
	"github.com/aletop130/ZeroHR/internal/retention"
	"github.com/aletop130/ZeroHR/internal/unitstore"
	"github.com/aletop130/ZeroHR/tui"
	"github.com/aletop130/ZeroHR/web/api"
)

var (
	servePort    int
	serveHost    string
	runSections  int
	runPayload   string
	runPayloadIn string
	runHint      string
	runWatch     bool
	runOut       string
	runFormat    string
	statusLimit  int
	exportFormat string
	exportOut    string
	exportTitle  string
	purgeMaxAge  time.Duration
	killServer   string
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the JSON API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (default from config)")
	rootCmd.AddCommand(serveCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Reset state and generate a new document",
		RunE:  runRun,
	}
	runCmd.Flags().IntVar(&runSections, "sections", 0, "number of sections (default from config)")
	runCmd.Flags().StringVar(&runPayload, "payload", "{}", "JSON payload describing the document subject")
	runCmd.Flags().StringVar(&runPayloadIn, "payload-file", "", "read the payload from a file (- for stdin)")
	runCmd.Flags().StringVar(&runHint, "history-hint", "", "earlier document text to steer generation")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "show live progress in the terminal UI")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "write the finished document to a file")
	runCmd.Flags().StringVar(&runFormat, "format", document.FormatText, "document format: text, markdown or html")
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [RUN]",
		Short: "Show recent runs or one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of runs to list")
	rootCmd.AddCommand(statusCmd)

	// reset command
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard all units and reseed pending ones under a new generation",
		RunE:  runReset,
	}
	rootCmd.AddCommand(resetCmd)

	// kill command
	killCmd := &cobra.Command{
		Use:   "kill",
		Short: "Stop the running server's in-flight jobs without reseeding",
		Long: `Cancels every in-flight and queued job of the server started with
'zerohr serve'. Units keep their last committed status and the run stays in
progress, so 'zerohr resume RUN' can continue it.`,
		RunE: runKill,
	}
	killCmd.Flags().StringVar(&killServer, "server", "", "API base URL (default from web.host and web.port)")
	rootCmd.AddCommand(killCmd)

	// resume command
	resumeCmd := &cobra.Command{
		Use:   "resume RUN",
		Short: "Continue an interrupted run of the current generation",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	rootCmd.AddCommand(resumeCmd)

	// units command
	unitsCmd := &cobra.Command{
		Use:   "units",
		Short: "List the units of the current generation",
		RunE:  runUnits,
	}
	rootCmd.AddCommand(unitsCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch RUN",
		Short: "Follow a run in the terminal UI",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatchCmd,
	}
	rootCmd.AddCommand(watchCmd)

	// export command
	exportCmd := &cobra.Command{
		Use:   "export RUN",
		Short: "Write a completed run's document",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	exportCmd.Flags().StringVar(&exportFormat, "format", document.FormatMarkdown, "text, markdown or html")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	exportCmd.Flags().StringVar(&exportTitle, "title", "", "document title")
	rootCmd.AddCommand(exportCmd)

	// purge command
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished runs older than the retention age",
		RunE:  runPurge,
	}
	purgeCmd.Flags().DurationVar(&purgeMaxAge, "max-age", 0, "override retention.max_age")
	rootCmd.AddCommand(purgeCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	if serveHost != "" {
		cfg.Web.Host = serveHost
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Prompts.Watch {
		watcher, err := prompts.NewWatcher(a.loader, func(changed []string) {
			logger.Info("prompt templates reloaded", "files", len(changed))
		})
		if err != nil {
			logger.Warn("prompt watcher disabled", "error", err)
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	if cfg.Retention.Enabled {
		janitor, err := retention.New(a.store, cfg.Retention.Cron, cfg.RetentionMaxAge(), logger)
		if err != nil {
			return err
		}
		go janitor.Start(ctx)
		logger.Info("retention enabled", "cron", cfg.Retention.Cron, "next", janitor.NextRun())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	return api.NewServer(a.engine, a.hub, addr, logger).Start(ctx)
}

func readPayload() (string, error) {
	switch runPayloadIn {
	case "":
		return runPayload, nil
	case "-":
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	default:
		data, err := os.ReadFile(runPayloadIn)
		return string(data), err
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	payload, err := readPayload()
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	// Subscribe before starting so the first transitions are not missed.
	var feed <-chan events.Envelope
	var unsubscribe func()
	if runWatch {
		feed, unsubscribe = a.hub.Subscribe(1024)
		defer unsubscribe()
	}

	run, err := a.engine.StartRun(ctx, engine.StartRequest{
		SectionCount: runSections,
		Payload:      payload,
		HistoryHint:  runHint,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Run %s started (generation %d, %d sections)\n", run.ID, run.Generation, run.SectionCount)

	if runWatch {
		model := tui.NewModel(tui.ModelConfig{
			Source:       a.engine,
			RunID:        run.ID,
			Events:       feed,
			ExitOnFinish: true,
		})
		if _, err := tea.NewProgram(model, tea.WithContext(ctx)).Run(); err != nil {
			return err
		}
	}

	final, err := a.engine.WaitRun(ctx, run.ID)
	if err != nil {
		return err
	}
	printRunSummary(os.Stderr, final)
	if final.Status != domain.RunCompleted {
		return fmt.Errorf("run %s failed: %s", final.ID, final.Error)
	}

	return writeDocument(final, runFormat, runOut, document.Options{Titles: sectionTitles(a.loader)})
}

func writeDocument(run *domain.Run, format, out string, opts document.Options) error {
	w := io.Writer(os.Stdout)
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := document.Export(w, run, format, opts); err != nil {
		return err
	}
	if out == "" && format != document.FormatHTML {
		fmt.Fprintln(w)
	}
	return nil
}

func printRunSummary(w io.Writer, run *domain.Run) {
	fmt.Fprintf(w, "Run %s: %s", run.ID, run.Status)
	if run.WeightedScore != nil {
		fmt.Fprintf(w, " | score %.2f", *run.WeightedScore)
	}
	counts := domain.StatusCounts(run.Units)
	fmt.Fprintf(w, " | %d accepted, %d failed | attempts %d\n",
		counts[domain.StatusAccepted], counts[domain.StatusFailed], run.Attempts)
	if run.FinalFeedback != "" {
		fmt.Fprintf(w, "\n%s\n\n", run.FinalFeedback)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if len(args) == 1 {
		run, err := store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		printRunSummary(os.Stdout, run)
		return printUnits(os.Stdout, run.Units)
	}

	runs, err := store.ListRuns(ctx, statusLimit)
	if err != nil {
		return err
	}
	gen, err := store.CurrentGeneration(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Generation %d\n\n", gen)
	if len(runs) == 0 {
		fmt.Println("No runs yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGEN\tSTATUS\tSCORE\tSECTIONS\tSTARTED")
	for _, r := range runs {
		score := "-"
		if r.WeightedScore != nil {
			score = fmt.Sprintf("%.2f", *r.WeightedScore)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n", r.ID, r.Generation, r.Status, score, r.SectionCount, humanize.Time(r.CreatedAt))
	}
	return w.Flush()
}

func printUnits(out io.Writer, units []*domain.Unit) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SECTION\tSTATUS\tSCORE\tRETRIES\tUPDATED")
	for _, u := range units {
		score := "-"
		if u.Score != nil {
			score = fmt.Sprintf("%.1f", *u.Score)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", u.Index, u.Status, score, u.RetryCount, humanize.Time(u.UpdatedAt))
	}
	return w.Flush()
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.ResetAll(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Generation %d: cleared %d units, abandoned %d runs, seeded %d pending units\n",
		report.Generation, report.UnitsCleared, report.RunsAbandoned, report.UnitsSeeded)
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	base := killServer
	if base == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		base = fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	stats, err := postKill(ctx, http.DefaultClient, base)
	if err != nil {
		return err
	}
	fmt.Printf("Killed %d running jobs, purged %d queued jobs\n", stats.Killed, stats.Purged)
	return nil
}

// postKill asks the API at base to cancel its jobs
func postKill(ctx context.Context, client *http.Client, base string) (orchestrator.CancelStats, error) {
	var stats orchestrator.CancelStats
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/api/kill", nil)
	if err != nil {
		return stats, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return stats, fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return stats, fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, fmt.Errorf("decoding kill response: %w", err)
	}
	return stats, nil
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	run, err := a.engine.ResumeRun(ctx, args[0])
	if err != nil {
		return err
	}
	final, err := a.engine.WaitRun(ctx, run.ID)
	if err != nil {
		return err
	}
	printRunSummary(os.Stdout, final)
	return nil
}

func runUnits(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	gen, err := store.CurrentGeneration(ctx)
	if err != nil {
		return err
	}
	units, err := store.ListUnits(ctx, unitstore.ListOptions{Generation: gen})
	if err != nil {
		return err
	}
	if len(units) == 0 {
		fmt.Println("No units; run `zerohr reset` to seed them")
		return nil
	}
	return printUnits(os.Stdout, units)
}

// storeSource serves TUI polls straight from the database
type storeSource struct {
	store *unitstore.Store
}

func (s storeSource) PollRun(ctx context.Context, runID string) (*domain.Run, error) {
	return s.store.GetRun(ctx, runID)
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	model := tui.NewModel(tui.ModelConfig{
		Source:   storeSource{store: store},
		RunID:    args[0],
		Interval: 2 * time.Second,
	})
	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return writeDocument(run, strings.ToLower(exportFormat), exportOut, document.Options{
		Title:  exportTitle,
		Titles: sectionTitles(newLoader(cfg)),
	})
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	maxAge := cfg.RetentionMaxAge()
	if purgeMaxAge > 0 {
		maxAge = purgeMaxAge
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	janitor, err := retention.New(store, cfg.Retention.Cron, maxAge, logger)
	if err != nil {
		return err
	}
	purged, err := janitor.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d runs finished more than %s ago\n", purged, maxAge)
	return nil
}
