package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/notevec/notevec/internal/config"
)

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a note to the index",
	Long: `Add a note to the index.

Examples:
  notevec add --text "Postgres needs max_connections tuned for pgbouncer"
  notevec add --file ./meeting-notes.md --title "Planning sync"
  notevec add --text "whiteboard photo" --attach ./board.jpg`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		attach, _ := cmd.Flags().GetStringArray("attach")

		if text == "" && file == "" && len(attach) == 0 {
			return fmt.Errorf("one of --text, --file, or --attach is required")
		}

		req := map[string]any{}
		if title != "" {
			req["title"] = title
		}

		switch {
		case text != "":
			req["content"] = text
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["content"] = string(data)
			if title == "" {
				req["title"] = filepath.Base(file)
			}
		}

		if len(attach) > 0 {
			attachments := make([]noteAttachment, 0, len(attach))
			for _, path := range attach {
				a, err := loadAttachment(path)
				if err != nil {
					return err
				}
				attachments = append(attachments, a)
			}
			req["attachments"] = attachments
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/notes", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued note %s", result["id"])
		return nil
	},
}

func init() {
	addCmd.Flags().String("text", "", "note text")
	addCmd.Flags().String("file", "", "file whose contents become the note text")
	addCmd.Flags().String("title", "", "title for the note")
	addCmd.Flags().StringArray("attach", nil, "file to attach (repeatable)")
}

type noteAttachment struct {
	MIME string `json:"mime"`
	Data string `json:"data"`
}

func loadAttachment(path string) (noteAttachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return noteAttachment{}, fmt.Errorf("reading attachment: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return noteAttachment{
		MIME: mimeType,
		Data: base64.StdEncoding.EncodeToString(data),
	}, nil
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over indexed notes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		threshold, _ := cmd.Flags().GetFloat32("threshold")
		hybrid, _ := cmd.Flags().GetBool("hybrid")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := searchRequest(query, limit, threshold, cmd.Flags().Changed("threshold"), hybrid)
		resp, err := client.post(cmd.Context(), "/search", req)
		if err != nil {
			return err
		}

		var out struct {
			Results []struct {
				NoteID     string  `json:"note_id"`
				ChunkIndex int     `json:"chunk_index"`
				Text       string  `json:"text"`
				Score      float32 `json:"score"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if len(out.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range out.Results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
			fmt.Printf("  Note %s, chunk %d\n", r.NoteID, r.ChunkIndex)
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
	searchCmd.Flags().Float32("threshold", 0, "minimum similarity score (0 disables the cutoff)")
	searchCmd.Flags().Bool("hybrid", false, "blend keyword overlap into the ranking")
}

// searchRequest builds the search body. The threshold is included only
// when the flag was given, so the server default applies otherwise.
func searchRequest(query string, limit int, threshold float32, hasThreshold, hybrid bool) map[string]any {
	req := map[string]any{
		"query": query,
		"limit": limit,
	}
	if hasThreshold {
		req["threshold"] = threshold
	}
	if hybrid {
		req["hybrid"] = true
	}
	return req
}

// --- notes ---

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "List, inspect, or delete stored notes",
}

var notesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent notes",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/notes?limit=%d", limit))
		if err != nil {
			return err
		}

		var notes []struct {
			ID        string    `json:"ID"`
			Title     string    `json:"Title"`
			Content   string    `json:"Content"`
			UpdatedAt time.Time `json:"UpdatedAt"`
		}
		if err := decodeJSON(resp, &notes); err != nil {
			return err
		}

		if len(notes) == 0 {
			fmt.Println("No notes found.")
			return nil
		}

		for _, n := range notes {
			label := n.Title
			if label == "" {
				label = n.Content
			}
			if len(label) > 60 {
				label = label[:60] + "..."
			}
			id := n.ID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, id),
				n.UpdatedAt.Format("2006-01-02 15:04"),
				label,
			)
		}
		return nil
	},
}

var notesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single note as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/notes/"+args[0])
		if err != nil {
			return err
		}

		var note any
		if err := decodeJSON(resp, &note); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(note)
	},
}

var notesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a note and its index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/notes/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted note %s", args[0])
		return nil
	},
}

func init() {
	notesListCmd.Flags().Int("limit", 20, "maximum number of notes to list")
	notesCmd.AddCommand(notesListCmd)
	notesCmd.AddCommand(notesShowCmd)
	notesCmd.AddCommand(notesDeleteCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and index counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		modelResp, err := client.get(cmd.Context(), "/model")
		if err != nil {
			return err
		}
		var model struct {
			State string `json:"state"`
			Error string `json:"error"`
		}
		if err := decodeJSON(modelResp, &model); err != nil {
			return err
		}

		statsResp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}
		var stats struct {
			Pending        int `json:"pending"`
			Failed         int `json:"failed"`
			CompletedNotes int `json:"completed_notes"`
		}
		if err := decodeJSON(statsResp, &stats); err != nil {
			return err
		}

		if model.Error != "" {
			printStatus("Model", "%s (%s)", model.State, model.Error)
		} else {
			printStatus("Model", "%s", model.State)
		}
		printStatus("Pending", "%d", stats.Pending)
		printStatus("Failed", "%d", stats.Failed)
		printStatus("Indexed notes", "%d", stats.CompletedNotes)
		return nil
	},
}

// --- retry ---

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-queue failed indexing jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/retry", nil)
		if err != nil {
			return err
		}

		var stats struct {
			Pending int `json:"pending"`
			Failed  int `json:"failed"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printSuccess("Re-queued failed jobs (%d pending, %d failed)", stats.Pending, stats.Failed)
		return nil
	},
}

// --- reconcile ---

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair drift between notes, queue, and vectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/reconcile", nil)
		if err != nil {
			return err
		}

		var report struct {
			Enqueued        int `json:"enqueued"`
			OrphanedVectors int `json:"orphaned_vectors"`
			OrphanedJobs    int `json:"orphaned_jobs"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		printSuccess("Reconciled: %d notes re-queued, %d orphaned vectors removed, %d orphaned jobs removed",
			report.Enqueued, report.OrphanedVectors, report.OrphanedJobs)
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
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
			if strings.Contains(err.Error(), "unknown config key") {
				printWarning("valid keys: %s", strings.Join(config.ValidKeys(), ", "))
			}
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
