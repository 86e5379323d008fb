package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/khetsense/khetsense/internal/config"
	"github.com/khetsense/khetsense/internal/corpus"
	"github.com/khetsense/khetsense/internal/engine"
	"github.com/khetsense/khetsense/internal/retrieval"
	"github.com/khetsense/khetsense/internal/tui"
)

// --- embed ---

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Embed the Kisan Call Center dataset into a retrieval artifact",
	Long: `Embed every row of the dataset with the local embedding model and write
the vectors to a single SQLite artifact that serve loads at startup.

Examples:
  khetsense embed
  khetsense embed --csv data/kcc.csv --out data/rag_embeddings.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		csvPath, _ := cmd.Flags().GetString("csv")
		if csvPath == "" {
			csvPath = cfg.Corpus.CSVPath
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = cfg.Corpus.ArtifactPath
		}

		ctx := cmd.Context()
		eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
		if err := engine.EnsureReady(ctx, eng, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
			return err
		}

		printStep("Reading %s", csvPath)
		records, err := corpus.LoadCSV(csvPath)
		if err != nil {
			return err
		}

		printStep("Embedding %d rows with %s", len(records), cfg.Ollama.EmbedModel)
		m, err := retrieval.BuildArtifact(ctx, retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel), records, out)
		if err != nil {
			return err
		}

		printSuccess("Wrote %d entries (dim %d) to %s", m.Count, m.Dimension, out)
		return nil
	},
}

func init() {
	embedCmd.Flags().String("csv", "", "dataset CSV path (default: corpus.csv_path)")
	embedCmd.Flags().String("out", "", "artifact output path (default: corpus.artifact_path)")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a single farming question",
	Long: `Ask a single farming question against a running server.

Examples:
  khetsense ask "How much urea should I apply to wheat?"
  khetsense ask --location "Nashik, Maharashtra" "Best time to sow onion?"
  khetsense ask --session 3f0c... "And what about irrigation?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		location, _ := cmd.Flags().GetString("location")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		reply, err := client.ask(cmd.Context(), sessionID, strings.Join(args, " "), location)
		if err != nil {
			return err
		}

		printAnswer(reply.Response)
		printStatus("Session", "%s", reply.SessionID)
		return nil
	},
}

func init() {
	askCmd.Flags().String("session", "", "continue an existing session")
	askCmd.Flags().String("location", "", "where the farmer is")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		location, _ := cmd.Flags().GetString("location")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		final, err := tea.NewProgram(tui.New(chatPort{c: client}, location), tea.WithAltScreen()).Run()
		if err != nil {
			return err
		}
		if m, ok := final.(tui.Model); ok && m.SessionID() != "" {
			printStatus("Session", "%s", m.SessionID())
		}
		return nil
	},
}

func init() {
	chatCmd.Flags().String("location", "", "where the farmer is")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Show the dataset entries closest to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("k")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{"q": {strings.Join(args, " ")}}
		if k > 0 {
			q.Set("k", strconv.Itoa(k))
		}
		resp, err := client.get(cmd.Context(), "/api/search?"+q.Encode())
		if err != nil {
			return err
		}

		var results []retrieval.Result
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}
		if len(results) == 0 {
			printWarning("No results")
			return nil
		}
		for i, r := range results {
			printHit(i+1, r.Score, r.Text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("k", 0, "number of results (default: retrieval.top_k)")
}

// --- reset ---

var resetCmd = &cobra.Command{
	Use:   "reset <session-id>",
	Short: "Forget a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		msg, err := client.resetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if msg == "Session reset" {
			printSuccess("%s", msg)
		} else {
			printWarning("%s", msg)
		}
		return nil
	},
}

var resetAudioCmd = &cobra.Command{
	Use:   "reset-audio",
	Short: "Delete generated and uploaded audio on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.do(cmd.Context(), "POST", "/reset-audio", "", nil)
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		printSuccess("%s", out["message"])
		return nil
	},
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

		printStatus("File", "%s", config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "($"+k.EnvVar+")"))
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
