package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/tether/internal/api"
	"github.com/inercia/tether/internal/event"
	"github.com/inercia/tether/internal/session"
)

var (
	createTitle     string
	createDirectory string
)

// sessionsCmd groups session management commands.
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage sessions on the remote server",
}

// sessionsListCmd lists sessions known to the server.
var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

// sessionsCreateCmd creates a new session.
var sessionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	RunE:  runSessionsCreate,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)

	sessionsCreateCmd.Flags().StringVar(&createTitle, "title", "", "Session title")
	sessionsCreateCmd.Flags().StringVar(&createDirectory, "dir", "", "Project directory for the session")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	client := api.New(cfg.Server.URL)
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tDIRECTORY\tUPDATED")
	for _, info := range sessions {
		updated := ""
		if info.Time.Updated > 0 {
			updated = time.UnixMilli(info.Time.Updated).Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.ID, info.Title, info.Directory, updated)
	}
	return w.Flush()
}

func runSessionsCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	directory := createDirectory
	if directory == "" {
		directory = cfg.Server.Directory
	}

	client := api.New(cfg.Server.URL)
	info, err := client.CreateSession(ctx, api.CreateSessionRequest{
		Title:     createTitle,
		Directory: directory,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	fmt.Printf("Created session %s\n", info.ID)
	return nil
}

// sessionFromInfo converts the server's session metadata to the client view.
func sessionFromInfo(info *event.SessionInfo) *session.Session {
	return &session.Session{
		ID:        info.ID,
		Title:     info.Title,
		Directory: info.Directory,
		Created:   time.UnixMilli(info.Time.Created),
		Updated:   time.UnixMilli(info.Time.Updated),
	}
}
