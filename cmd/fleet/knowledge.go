package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fleet/internal/retrieval"
	"github.com/ShayCichocki/fleet/internal/state"
)

var (
	knowledgeTitle   string
	knowledgeSource  string
	knowledgeContent string
	knowledgeLimit   int
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the knowledge base agents retrieve context from",
}

var knowledgeAddCmd = &cobra.Command{
	Use:   "add [file...]",
	Short: "Add documents to the knowledge base",
	Long: `Add documents to the knowledge base.

Each file becomes one document titled after its base name. Use --content
to add inline text instead. When retrieval.provider is genai the document
is embedded before it is stored.`,
	RunE: runKnowledgeAdd,
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge base with the configured retriever",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKnowledgeSearch,
}

func init() {
	knowledgeAddCmd.Flags().StringVar(&knowledgeTitle, "title", "", "Document title (default: file name)")
	knowledgeAddCmd.Flags().StringVar(&knowledgeSource, "source", "", "Document source (default: file path)")
	knowledgeAddCmd.Flags().StringVar(&knowledgeContent, "content", "", "Inline document content")
	knowledgeSearchCmd.Flags().IntVar(&knowledgeLimit, "limit", 0, "Maximum results (default: retrieval.max_results)")

	knowledgeCmd.AddCommand(knowledgeAddCmd)
	knowledgeCmd.AddCommand(knowledgeSearchCmd)
}

// storeApp builds an app with only the state database, for commands that
// do not need the agent roster.
func storeApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg, "")
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	if _, err := a.openDB(); err != nil {
		return nil, err
	}
	return a, nil
}

func runKnowledgeAdd(cmd *cobra.Command, args []string) error {
	docs, err := documentsFromArgs(args, knowledgeTitle, knowledgeSource, knowledgeContent)
	if err != nil {
		return err
	}

	a, err := storeApp()
	if err != nil {
		return err
	}
	defer a.Close()

	emb, err := a.embedder(cmd.Context())
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := retrieval.Ingest(cmd.Context(), a.db, emb, doc); err != nil {
			return fmt.Errorf("adding %q: %w", doc.Title, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", doc.Title, doc.ID)
	}
	return nil
}

// documentsFromArgs builds documents from files or inline content.
func documentsFromArgs(paths []string, title, source, content string) ([]*state.Document, error) {
	if content != "" {
		if len(paths) > 0 {
			return nil, errors.New("--content cannot be combined with files")
		}
		if title == "" {
			return nil, errors.New("--title is required with --content")
		}
		return []*state.Document{{Title: title, Content: content, Source: source}}, nil
	}
	if len(paths) == 0 {
		return nil, errors.New("nothing to add: pass files or --content")
	}
	if title != "" && len(paths) > 1 {
		return nil, errors.New("--title applies to a single file")
	}

	docs := make([]*state.Document, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		doc := &state.Document{
			Title:   title,
			Content: strings.TrimSpace(string(data)),
			Source:  source,
		}
		if doc.Title == "" {
			doc.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		if doc.Source == "" {
			doc.Source = path
		}
		if doc.Content == "" {
			return nil, fmt.Errorf("%s is empty", path)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func runKnowledgeSearch(cmd *cobra.Command, args []string) error {
	a, err := storeApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ret, err := a.retriever(cmd.Context(), a.db)
	if err != nil {
		return err
	}
	limit := knowledgeLimit
	if limit <= 0 {
		limit = a.cfg.Retrieval.MaxResults
	}
	snippets, err := ret.Retrieve(cmd.Context(), strings.Join(args, " "), limit)
	if err != nil {
		return err
	}
	if len(snippets) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No matching documents.")
		return nil
	}
	for _, s := range snippets {
		fmt.Fprintf(cmd.OutOrStdout(), "%.3f  %s  %s\n", s.Score, s.DocumentID, s.Title)
	}
	return nil
}
