package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/docqa/config"
	"github.com/mohammad-safakhou/docqa/internal/llm"
	"github.com/mohammad-safakhou/docqa/internal/rag"
	srv "github.com/mohammad-safakhou/docqa/internal/server"
	"github.com/mohammad-safakhou/docqa/internal/workspace"
)

func indexCMD(cfgPath *string) *cobra.Command {
	idx := &cobra.Command{
		Use:   "index",
		Short: "Build or query a file index",
	}
	idx.AddCommand(indexBuildCMD(cfgPath), indexSearchCMD(cfgPath))
	return idx
}

// openRAG wires the retrieval core without the HTTP side. Search needs no
// chat model, so a missing one only disables the relevance verifier.
func openRAG(cfgPath string) (*rag.Service, error) {
	cfg := config.LoadConfig(cfgPath)
	return srv.NewRAG(cfg, workspace.New(cfg.File.DataDir), verifierClient(cfg, log.Default()))
}

// verifierClient returns the chat client used by the relevance gate, or nil
// when the llm section cannot produce one.
func verifierClient(cfg *config.Config, logger *log.Logger) *llm.Client {
	chat, err := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		logger.Printf("llm client unavailable, relevance verifier disabled: %v", err)
		return nil
	}
	return chat
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func indexBuildCMD(cfgPath *string) *cobra.Command {
	var fileID string
	build := &cobra.Command{
		Use:   "build",
		Short: "Chunk, embed and index the parsed markdown of a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fileID == "" {
				return errors.New("--file is required")
			}
			svc, err := openRAG(*cfgPath)
			if err != nil {
				return err
			}
			res, err := svc.Build(cmd.Context(), fileID)
			if err != nil {
				return fmt.Errorf("build %s: %w", fileID, err)
			}
			return printJSON(cmd, res)
		},
	}
	build.Flags().StringVar(&fileID, "file", "", "file id")
	return build
}

func indexSearchCMD(cfgPath *string) *cobra.Command {
	var fileID, query string
	var k int
	search := &cobra.Command{
		Use:   "search",
		Short: "Run a hybrid search against a file index",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fileID == "" || query == "" {
				return errors.New("--file and --query are required")
			}
			svc, err := openRAG(*cfgPath)
			if err != nil {
				return err
			}
			res, err := svc.Search(cmd.Context(), fileID, query, k)
			if err != nil {
				return fmt.Errorf("search %s: %w", fileID, err)
			}
			return printJSON(cmd, res)
		},
	}
	search.Flags().StringVar(&fileID, "file", "", "file id")
	search.Flags().StringVar(&query, "query", "", "query text")
	search.Flags().IntVarP(&k, "k", "k", rag.DefaultSearchK, "number of citations")
	return search
}
