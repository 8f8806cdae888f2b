package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"marginalia.app/insight/common/id"
	"marginalia.app/insight/common/llm"
	"marginalia.app/insight/core/config"
	"marginalia.app/insight/internal/jobs"
	"marginalia.app/insight/internal/model"
)

// One-shot harness: runs a single analysis against the real backends and
// prints the stream to stdout. No database, no Redis; the job lives and dies
// in memory.
func main() {
	kind := flag.String("kind", "fact_check", "analysis kind (fact_check, discussion, key_points, argument_map, counterpoints, custom_question, comment)")
	text := flag.String("text", "", "selected text to analyze (required)")
	question := flag.String("question", "", "question for custom_question and comment kinds")
	surrounding := flag.String("context", "", "surrounding context for the selection")
	extendedFile := flag.String("extended-file", "", "file with chapter-scale context")
	flag.Parse()

	if strings.TrimSpace(*text) == "" {
		fmt.Fprintln(os.Stderr, "-text is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeAnalyze)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := id.Init(cfg.NodeID); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize id generator: %v\n", err)
		os.Exit(1)
	}

	if !cfg.AnalysisLLM.Enabled() {
		fmt.Fprintln(os.Stderr, "ANALYSIS_LLM_API_KEY is required")
		os.Exit(1)
	}

	var extended string
	if *extendedFile != "" {
		data, err := os.ReadFile(*extendedFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading %s: %v\n", *extendedFile, err)
			os.Exit(1)
		}
		extended = string(data)
	}

	var fallback *llm.Config
	if cfg.FallbackLLM.Enabled && cfg.FallbackLLM.LLMConfig.Enabled() {
		fb := toLLMConfig(cfg.FallbackLLM.LLMConfig)
		fallback = &fb
	}
	client, err := llm.New(toLLMConfig(cfg.AnalysisLLM), fallback)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create llm client: %v\n", err)
		os.Exit(1)
	}

	store := jobs.NewStore()
	registry := jobs.NewRegistry()
	orch := jobs.NewOrchestrator(store, registry, jobs.LLMStreamer{Client: client}, nil, jobs.Config{
		FlushEvery:           1, // per-delta store writes; the poll loop prints straight from the store
		ExtendedContextLimit: cfg.Jobs.ExtendedContextLimit,
	})

	jobID, err := orch.Submit(ctx, model.AnalysisRequest{
		HighlightID:        1,
		Kind:               model.AnalysisKind(*kind),
		SelectedText:       *text,
		SurroundingContext: *surrounding,
		ExtendedContext:    extended,
		Question:           *question,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "job %d streaming on %s\n---\n", jobID, cfg.AnalysisLLM.Model)

	printed := 0
	sawFallback := false
	for {
		job, ok := store.Get(jobID)
		if !ok {
			fmt.Fprintln(os.Stderr, "job vanished")
			os.Exit(1)
		}

		if job.UsedFallback && !sawFallback {
			sawFallback = true
			fmt.Fprintf(os.Stderr, "\n--- fallback engaged, restarting on %s ---\n", job.Model)
			printed = 0
		}
		if len(job.StreamingText) < printed {
			printed = 0
		}
		if len(job.StreamingText) > printed {
			fmt.Print(job.StreamingText[printed:])
			printed = len(job.StreamingText)
		}

		if job.Status.Terminal() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	job, _ := store.Get(jobID)
	switch job.Status {
	case model.JobStatusCompleted:
		if job.FinalResult != nil && len(*job.FinalResult) > printed {
			fmt.Print((*job.FinalResult)[printed:])
		}
		fmt.Println()
		fmt.Fprintf(os.Stderr, "---\ndone: model=%s fallback=%v\n", job.Model, job.UsedFallback)
	case model.JobStatusError:
		fmt.Println()
		fmt.Fprintf(os.Stderr, "---\nanalysis failed (%s): %s\n", job.ErrKind, job.ErrMessage)
		os.Exit(1)
	}
}

func toLLMConfig(cfg config.LLMConfig) llm.Config {
	return llm.Config{
		Protocol:        cfg.Protocol,
		APIKey:          cfg.APIKey,
		BaseURL:         cfg.BaseURL,
		Model:           cfg.Model,
		MaxTokens:       cfg.MaxTokens,
		ReasoningEffort: llm.ReasoningEffort(cfg.ReasoningEffort),
		MaxAttempts:     cfg.MaxAttempts,
		BackoffBase:     cfg.BackoffBase,
		Timeout:         cfg.Timeout,
	}
}
