// Command groundwork is the CLI for the groundwork retrieval service.
//
// Usage:
//
//	groundwork query "how do I rotate credentials?" --config config.yaml
//	groundwork chat --config config.yaml
//	groundwork index --dir ./docs --config config.yaml
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/groundwork-ai/groundwork/pkg/agent"
	"github.com/groundwork-ai/groundwork/pkg/bm25"
	"github.com/groundwork-ai/groundwork/pkg/cache"
	"github.com/groundwork-ai/groundwork/pkg/config"
	"github.com/groundwork-ai/groundwork/pkg/embedder"
	"github.com/groundwork-ai/groundwork/pkg/llm"
	"github.com/groundwork-ai/groundwork/pkg/logger"
	"github.com/groundwork-ai/groundwork/pkg/observability"
	"github.com/groundwork-ai/groundwork/pkg/retrieval"
	"github.com/groundwork-ai/groundwork/pkg/tool"
	"github.com/groundwork-ai/groundwork/pkg/vector"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Query   QueryCmd   `cmd:"" help:"Answer a single question against the indexed corpus."`
	Chat    ChatCmd    `cmd:"" help:"Start an interactive chat session with retrieval tools."`
	Index   IndexCmd   `cmd:"" help:"Index a folder of text documents."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("groundwork version %s\n", version)
	return nil
}

// QueryCmd runs the retrieval pipeline once and prints the answer.
type QueryCmd struct {
	Text string `arg:"" help:"Question to answer."`

	Sources   []string `help:"Restrict retrieval to these sources."`
	TopK      int      `name:"top-k" help:"Number of passages to retrieve." default:"5"`
	NoCache   bool     `name:"no-cache" help:"Bypass the result cache."`
	NoRerank  bool     `name:"no-rerank" help:"Skip LLM reranking."`
	NoHybrid  bool     `name:"no-hybrid" help:"Dense retrieval only, skip the keyword path."`
	HyDE      bool     `help:"Expand the query with a hypothetical answer before retrieval."`
	JSON      bool     `help:"Print the full result as JSON."`
	RerankTop int      `name:"rerank-top" help:"Keep this many passages after reranking (0 = all)."`
}

func (c *QueryCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	q := retrieval.DefaultQuery(c.Text)
	q.Sources = c.Sources
	q.TopK = c.TopK
	q.UseCache = !c.NoCache
	q.UseReranker = !c.NoRerank
	q.UseHybrid = !c.NoHybrid
	q.UseHyDE = c.HyDE
	q.RerankTopK = c.RerankTop

	result, err := rt.pipeline.Execute(ctx, q)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Println(result.Answer)
	if len(result.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, hit := range result.Sources {
			fmt.Printf("  [%.3f] %s\n", hit.Score, hit.Name)
		}
	}
	return nil
}

// ChatCmd runs an interactive session backed by the search tool.
type ChatCmd struct {
	Sources []string `help:"Restrict the search tool to these sources."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	session := rt.sessions.Create()
	defer func() {
		if err := rt.sessions.Delete(context.Background(), session.ID()); err != nil {
			slog.Warn("Failed to delete session", "error", err)
		}
	}()

	fmt.Printf("Session %s ready. Type a question, or 'exit' to quit.\n\n", session.ID())

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		events, err := session.Turn(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		renderTurn(events)
	}
}

func renderTurn(events <-chan agent.Event) {
	for ev := range events {
		switch ev.Type {
		case agent.EventToken:
			fmt.Print(ev.Token)
		case agent.EventToolStart:
			fmt.Printf("\n[searching: %v]\n", ev.Tool.Args["query"])
		case agent.EventToolEnd:
			if ev.Tool.Error != "" {
				fmt.Printf("[search failed: %s]\n", ev.Tool.Error)
			}
		case agent.EventStopped:
			fmt.Println("\n[stopped]")
		case agent.EventError:
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.Error)
		}
	}
	fmt.Println()
}

// IndexCmd chunks, embeds and upserts a folder of text documents.
type IndexCmd struct {
	Dir     string `arg:"" help:"Folder containing .txt and .md documents." type:"path"`
	Replace bool   `help:"Delete previously indexed chunks of each file first."`
}

const (
	chunkTargetLen = 1200
	embedBatchSize = 32
	indexWorkers   = 4
)

func (c *IndexCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	files, err := listDocuments(c.Dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .txt or .md documents under %s", c.Dir)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(indexWorkers)
	for _, path := range files {
		g.Go(func() error {
			n, err := c.indexFile(gctx, rt, path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			slog.Info("Indexed document", "path", path, "chunks", n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := rt.sparse.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to rebuild keyword index: %w", err)
	}
	fmt.Printf("Indexed %d documents (%d keyword-searchable chunks).\n",
		len(files), rt.sparse.DocumentCount())
	return nil
}

func (c *IndexCmd) indexFile(ctx context.Context, rt *runtime, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	source := filepath.Base(path)
	if c.Replace {
		if err := rt.store.DeleteBySource(ctx, source); err != nil {
			return 0, err
		}
	}

	pieces := chunkText(string(data))
	if len(pieces) == 0 {
		return 0, nil
	}

	for start := 0; start < len(pieces); start += embedBatchSize {
		end := min(start+embedBatchSize, len(pieces))
		batch := pieces[start:end]

		vectors, err := rt.embed.Embed(ctx, batch)
		if err != nil {
			return 0, err
		}

		chunks := make([]vector.Chunk, len(batch))
		for i, text := range batch {
			key := fmt.Sprintf("%s#%d", source, start+i)
			chunks[i] = vector.Chunk{
				ID:     uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String(),
				Source: source,
				Text:   text,
				Vector: vectors[i],
			}
		}
		if err := rt.store.Upsert(ctx, chunks); err != nil {
			return 0, err
		}
	}
	return len(pieces), nil
}

func listDocuments(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// chunkText splits a document on blank lines and packs paragraphs into
// chunks of roughly chunkTargetLen characters. Paragraph boundaries are
// never split, so a single long paragraph becomes one oversized chunk.
func chunkText(text string) []string {
	paragraphs := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")

	var chunks []string
	var current strings.Builder
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(p) > chunkTargetLen {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// runtime holds the wired service components for one CLI invocation.
type runtime struct {
	embed    embedder.Embedder
	store    vector.Store
	sparse   *bm25.Index
	provider llm.Provider
	cache    *cache.Cache
	pipeline *retrieval.Pipeline
	sessions *agent.Manager
	metrics  *observability.Manager
}

func buildRuntime(ctx context.Context, cli *CLI) (*runtime, error) {
	var cfg *config.Config
	var err error
	if cli.Config != "" {
		cfg, err = config.Load(cli.Config)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	metrics := observability.NewManager(cfg.Observability)
	if err := metrics.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	observability.SetGlobal(metrics.Metrics())

	provider, err := llm.NewOpenAIProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}
	embed, err := embedder.NewOpenAIEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}

	var store vector.Store
	switch cfg.Vector.Backend {
	case "qdrant":
		store, err = vector.NewQdrantStore(ctx, cfg.Vector.Qdrant)
	default:
		store, err = vector.NewChromemStore(cfg.Vector.Chromem)
	}
	if err != nil {
		return nil, err
	}

	sparse := bm25.NewIndex(store)
	if err := sparse.Initialize(ctx); err != nil {
		slog.Warn("Keyword index unavailable, retrieval degrades to dense only", "error", err)
	}

	var shared cache.KVStore
	if cfg.Cache.Enabled && cfg.Cache.Redis.Addr != "" {
		shared, err = cache.NewRedisStore(ctx, cfg.Cache.Redis)
		if err != nil {
			slog.Warn("Shared cache unavailable, continuing local-only", "error", err)
			shared = nil
		}
	}
	var resultCache *cache.Cache
	if cfg.Cache.Enabled {
		resultCache = cache.New(cfg.Cache.Config, shared)
	}

	pipeline := retrieval.NewPipeline(embed, store, sparse, provider, resultCache, cfg.Pipeline)

	registry := tool.NewRegistry()
	registry.Register(tool.NewSearchTool(pipeline, retrieval.DefaultQuery("")))

	sessions := agent.NewManager(provider, registry, agent.NewMemoryHistory(), cfg.Agent)

	return &runtime{
		embed:    embed,
		store:    store,
		sparse:   sparse,
		provider: provider,
		cache:    resultCache,
		pipeline: pipeline,
		sessions: sessions,
		metrics:  metrics,
	}, nil
}

func (rt *runtime) Close(ctx context.Context) {
	if err := rt.store.Close(); err != nil {
		slog.Warn("Failed to close vector store", "error", err)
	}
	if err := rt.embed.Close(); err != nil {
		slog.Warn("Failed to close embedder", "error", err)
	}
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			slog.Warn("Failed to close cache", "error", err)
		}
	}
	if err := rt.metrics.Shutdown(ctx); err != nil {
		slog.Warn("Failed to shut down metrics", "error", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()
	return ctx, cancel
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("groundwork"),
		kong.Description("groundwork - retrieval-augmented question answering"),
		kong.UsageOnError(),
	)

	closeLog, err := logger.Setup(logger.Options{
		Level:  cli.LogLevel,
		Format: cli.LogFormat,
		File:   cli.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = closeLog() }()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
