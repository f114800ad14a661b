package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aletop130/ZeroHR/internal/admission"
	"github.com/aletop130/ZeroHR/internal/config"
	"github.com/aletop130/ZeroHR/internal/engine"
	"github.com/aletop130/ZeroHR/internal/events"
	"github.com/aletop130/ZeroHR/internal/genclient"
	"github.com/aletop130/ZeroHR/internal/logging"
	"github.com/aletop130/ZeroHR/internal/notify"
	"github.com/aletop130/ZeroHR/internal/prompts"
	"github.com/aletop130/ZeroHR/internal/section"
	"github.com/aletop130/ZeroHR/internal/unitstore"
)

// app bundles the wired components of one zerohr process
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *unitstore.Store
	loader   *prompts.Loader
	registry *section.Registry
	hub      *events.Hub
	engine   *engine.Engine
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	return cfg, logging.New(cfg.General.LogLevel), nil
}

func openStore(cfg *config.Config) (*unitstore.Store, error) {
	path := cfg.General.DatabasePath
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	return unitstore.New(path)
}

func newLoader(cfg *config.Config) *prompts.Loader {
	cwd, _ := os.Getwd()
	dirs := prompts.DefaultLoader(cwd).OverrideDirs()
	if cfg.Prompts.OverrideDir != "" {
		dirs = append([]string{cfg.Prompts.OverrideDir}, dirs...)
	}
	return prompts.NewLoader(dirs...)
}

func sectionOverrides(sections []config.SectionConfig) map[int]section.Override {
	out := make(map[int]section.Override, len(sections))
	for _, s := range sections {
		out[s.Index] = section.Override{
			Name:          s.Name,
			Weight:        s.Weight,
			Threshold:     s.Threshold,
			ExampleFile:   s.ExampleFile,
			ReferenceFile: s.ReferenceFile,
		}
	}
	return out
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

// newApp wires the full engine from configuration
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	svc, err := genclient.New(genclient.Settings{
		Provider: cfg.Generation.Provider,
		BaseURL:  cfg.Generation.BaseURL,
		APIKey:   cfg.Generation.APIKey,
	})
	if err != nil {
		return nil, err
	}

	loader := newLoader(cfg)
	defs, err := section.LoadDefinitions(loader, section.DefinitionOptions{
		ExamplesDir:      cfg.Prompts.ExamplesDir,
		ReferencesDir:    cfg.Prompts.ReferencesDir,
		DefaultThreshold: cfg.Pipeline.AcceptanceThreshold,
		Overrides:        sectionOverrides(cfg.Sections),
	})
	if err != nil {
		return nil, fmt.Errorf("loading sections: %w", err)
	}

	model := section.Model{Name: cfg.Generation.Model, Temperature: cfg.Generation.Temperature}
	registry, err := section.NewRegistry(defs, loader, svc, model, cfg.Pipeline.ScoreScale, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Pipeline.SectionCount > registry.Len() {
		return nil, fmt.Errorf("pipeline.section_count %d exceeds the %d section templates", cfg.Pipeline.SectionCount, registry.Len())
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	locker, err := admission.New(cfg.Pipeline.AdmissionBackend, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	hub := events.NewHub()
	eng := engine.New(engine.Deps{
		Store:      store,
		Sections:   registry,
		Summarizer: section.NewFinalJudge(loader, svc, model),
		Locker:     locker,
		Hub:        hub,
		Notifier:   buildNotifier(cfg),
		Logger:     logger,
	}, engine.Options{
		SectionCount:  cfg.Pipeline.SectionCount,
		MaxRetries:    cfg.Pipeline.MaxRetries,
		Concurrency:   cfg.Pipeline.Concurrency,
		CallTimeout:   cfg.CallTimeout(),
		AdmissionLock: cfg.Pipeline.AdmissionLock,
		AdmissionTTL:  cfg.AdmissionTTL(),
		FinalizeAbove: cfg.Pipeline.FinalizeThreshold,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		loader:   loader,
		registry: registry,
		hub:      hub,
		engine:   eng,
	}, nil
}

func (a *app) Close() {
	a.engine.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

// sectionTitles maps section index to its template title
func sectionTitles(loader *prompts.Loader) map[int]string {
	metas, err := loader.ListSections()
	if err != nil {
		return nil
	}
	titles := make(map[int]string, len(metas))
	for _, m := range metas {
		title := m.Title
		if title == "" {
			title = m.Name
		}
		titles[m.Index] = title
	}
	return titles
}
