package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/communiq/communiq/internal/config"
)

// askResult mirrors the server's /ask response.
type askResult struct {
	SessionID string         `json:"session_id"`
	Answer    string         `json:"answer"`
	Sources   []sourceResult `json:"sources"`
	Cached    bool           `json:"cached"`
}

type sourceResult struct {
	ChunkID   string    `json:"chunk_id"`
	RecordID  string    `json:"record_id"`
	Text      string    `json:"text"`
	Platform  string    `json:"platform"`
	Author    string    `json:"author"`
	SourceURL string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question answered from the community knowledge base",
	Long: `Ask a question answered from the community knowledge base.

Examples:
  communiq ask "how do we deploy the billing service?"
  communiq ask --platform slack "who maintains the CI pipeline?"
  communiq ask --session 2f9c... "and who reviews those changes?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		session, _ := cmd.Flags().GetString("session")
		platform, _ := cmd.Flags().GetString("platform")
		k, _ := cmd.Flags().GetInt("k")
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		req := map[string]any{"question": question}
		if session != "" {
			req["session_id"] = session
		}
		if k > 0 {
			req["k"] = k
		}
		if threshold >= 0 {
			req["score_threshold"] = threshold
		}
		if platform != "" {
			req["filters"] = map[string]any{"platform": platform}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ask", req)
		if err != nil {
			return err
		}

		var result askResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		if len(result.Sources) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Sources"))
			for i, s := range result.Sources {
				line := fmt.Sprintf("%d. [%.2f] %s on %s", i+1, s.Score, s.Author, s.Platform)
				if s.SourceURL != "" {
					line += " — " + s.SourceURL
				}
				fmt.Println(line)
			}
		}
		note := "session " + result.SessionID
		if result.Cached {
			note += " (cached)"
		}
		fmt.Fprintln(os.Stderr, colorize(colorCyan, note))
		return nil
	},
}

func init() {
	askCmd.Flags().String("session", "", "session id for follow-up questions")
	askCmd.Flags().String("platform", "", "restrict sources to one platform")
	askCmd.Flags().Int("k", 0, "number of sources to retrieve")
	askCmd.Flags().Float64("threshold", -1, "minimum relevance score in [0, 1]; 0 keeps every match")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over community communications",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		platform, _ := cmd.Flags().GetString("platform")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/search?q=%s&k=%d", url.QueryEscape(query), limit)
		if platform != "" {
			path += "&platform=" + url.QueryEscape(platform)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var results []sourceResult
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
			fmt.Printf("  %s on %s, %s\n", r.Author, r.Platform, r.Timestamp.Format("2006-01-02"))
			if r.SourceURL != "" {
				fmt.Printf("  %s\n", r.SourceURL)
			}
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().String("platform", "", "restrict results to one platform")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a batch of platform records",
	Long: `Ingest a batch of platform records.

Examples:
  communiq ingest --platform slack --file ./batch.json
  communiq ingest --platform github --text "deploys run nightly" --author U123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, _ := cmd.Flags().GetString("platform")
		file, _ := cmd.Flags().GetString("file")
		text, _ := cmd.Flags().GetString("text")
		author, _ := cmd.Flags().GetString("author")

		if platform == "" {
			return fmt.Errorf("--platform is required")
		}
		if file == "" && text == "" {
			return fmt.Errorf("one of --file or --text is required")
		}

		var records []map[string]any
		switch {
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			if err := json.Unmarshal(data, &records); err != nil {
				return fmt.Errorf("parsing %s: expected a JSON array of records: %w", file, err)
			}
		case text != "":
			if author == "" {
				return fmt.Errorf("--author is required with --text")
			}
			records = []map[string]any{{
				"platform":  platform,
				"text":      text,
				"author":    author,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ingest", map[string]any{
			"platform": platform,
			"records":  records,
		})
		if err != nil {
			return err
		}

		var summary struct {
			Accepted      int `json:"accepted"`
			Duplicates    int `json:"duplicates"`
			Malformed     int `json:"malformed"`
			OptedOut      int `json:"opted_out"`
			ChunksIndexed int `json:"chunks_indexed"`
			ChunksFailed  int `json:"chunks_failed"`
		}
		if err := decodeJSON(resp, &summary); err != nil {
			return err
		}

		printSuccess("Accepted %d record(s), indexed %d chunk(s)", summary.Accepted, summary.ChunksIndexed)
		if summary.Duplicates > 0 {
			printStatus("Duplicates", "%d", summary.Duplicates)
		}
		if summary.Malformed > 0 {
			printWarning("%d malformed record(s) skipped", summary.Malformed)
		}
		if summary.OptedOut > 0 {
			printStatus("Opted out", "%d", summary.OptedOut)
		}
		if summary.ChunksFailed > 0 {
			printWarning("%d chunk(s) failed embedding and will be retried", summary.ChunksFailed)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("platform", "", "source platform (slack, github, ...)")
	ingestCmd.Flags().String("file", "", "path to a JSON array of records")
	ingestCmd.Flags().String("text", "", "single record text to ingest")
	ingestCmd.Flags().String("author", "", "platform author id for --text")
}

// --- opt-out ---

var optOutCmd = &cobra.Command{
	Use:   "opt-out <platform> <author>",
	Short: "Exclude an author and purge their stored content",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, author := args[0], args[1]

		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This permanently removes all content by %s on %s. Use --confirm to proceed.", author, platform)
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/opt-out", map[string]string{
			"platform": platform,
			"author":   author,
		})
		if err != nil {
			return err
		}

		var result struct {
			Status        string `json:"status"`
			RemovedChunks int    `json:"removed_chunks"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Opted out %s on %s, removed %d chunk(s)", author, platform, result.RemovedChunks)
		return nil
	},
}

func init() {
	optOutCmd.Flags().Bool("confirm", false, "confirm the purge")
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage conversation sessions",
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Clear a conversation session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Session %s cleared", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret in the platform secret store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetSecret(key, value); err != nil {
			return err
		}

		printSuccess("Stored secret %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
