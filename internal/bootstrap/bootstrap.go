package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"appforge/internal/config"
	"appforge/internal/contextmgr"
	"appforge/internal/defaults"
	"appforge/internal/engine"
	"appforge/internal/proposal"
	"appforge/internal/provider"
	"appforge/internal/quota"
	"appforge/internal/storage"
	"appforge/internal/versions"
)

// BuildResult 与 UI 无关的构建结果，供 serve / chat 命令使用
// BuildResult is UI-agnostic; the serve and chat commands build on it
type BuildResult struct {
	Config    config.Config
	Engine    *engine.Engine
	Store     *storage.SQLiteStore
	Versions  *versions.Store
	Quota     *quota.Tracker
	Compactor *contextmgr.Compactor
	Provider  provider.Provider
	Registry  *prometheus.Registry
	Logger    *slog.Logger
}

// Close stops running streams and closes the database.
func (r *BuildResult) Close() error {
	r.Engine.Close()
	return r.Store.Close()
}

type Options struct {
	Logger *slog.Logger
	// Provider replaces the configured backend.
	Provider provider.Provider
}

// Build 按依赖顺序初始化存储、版本、配额、压缩与引擎；调用方负责 Close
// Build wires storage, versions, quota, compaction and the engine in dependency order; callers must Close the result
func Build(cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg.Log, os.Stderr)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	prov := opts.Provider
	if prov == nil {
		if prov, err = buildProvider(cfg.Provider, logger); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	vcs := versions.New(cfg.Versions.AuthorName, cfg.Versions.AuthorEmail, logger.With("component", "versions"))
	if !versions.Available() {
		logger.Warn("git is not installed; versioning is disabled")
	}

	tracker := quota.NewTracker(quotaConfig(cfg.Quota), store)

	tokenizer := contextmgr.NewTokenizerForModel(cfg.Provider.Model)
	strategy := contextmgr.NewFallbackStrategy(
		contextmgr.NewLLMStrategy(provider.Completion(prov)),
		contextmgr.RegexStrategy{},
	)
	compactor := contextmgr.NewCompactor(store, strategy, tokenizer, contextmgr.Config{
		ContextWindow:  contextWindow(cfg),
		ThresholdRatio: cfg.Compaction.ThresholdRatio,
		HardCap:        cfg.Compaction.HardCap,
		Disabled:       cfg.Compaction.Disabled,
	}, logger.With("component", "compaction"))

	assembler := contextmgr.NewAssembler(systemPrompt(cfg.Engine))
	assembler.RulesFile = cfg.Engine.RulesFile

	var installer proposal.Installer
	if cfg.Proposal.InstallCommand != "" {
		ci, err := proposal.NewCommandInstaller(cfg.Proposal.InstallCommand, cfg.Proposal.Manifests)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		installer = ci
	}
	proposals := proposal.NewService(store, vcs, proposal.SQLiteExecutor{RelPath: cfg.Proposal.SQLDatabase}, installer, logger.With("component", "proposal"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	overrides, err := consentOverrides(cfg.Consent)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	eng, err := engine.New(engine.Deps{
		Store:     store,
		Provider:  prov,
		Proposals: proposals,
		Versions:  vcs,
		Quota:     tracker,
		Compactor: compactor,
		Assembler: assembler,
		Tokenizer: tokenizer,
		Metrics:   engine.NewMetrics(reg),
		Logger:    logger.With("component", "engine"),
	}, engine.Options{
		MaxSteps:         cfg.Engine.MaxSteps,
		MaxContinuations: continuations(cfg.Engine.MaxContinuations),
		AutoApprove:      cfg.Engine.AutoApprove,
		ChunkInterval:    chunkInterval(cfg.Engine.ChunkIntervalMS),
		ConsentOverrides: overrides,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}

	return &BuildResult{
		Config:    cfg,
		Engine:    eng,
		Store:     store,
		Versions:  vcs,
		Quota:     tracker,
		Compactor: compactor,
		Provider:  prov,
		Registry:  reg,
		Logger:    logger,
	}, nil
}

func systemPrompt(cfg config.EngineConfig) string {
	if cfg.SystemPrompt != "" {
		return cfg.SystemPrompt
	}
	return defaults.DefaultSystemPrompt
}
