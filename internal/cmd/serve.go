package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/tether/internal/api"
	"github.com/inercia/tether/internal/config"
	"github.com/inercia/tether/internal/ingress"
	"github.com/inercia/tether/internal/logging"
	"github.com/inercia/tether/internal/session"
	"github.com/inercia/tether/internal/stream"
	"github.com/inercia/tether/internal/web"
)

var (
	servePort      int
	serveSessionID string
	serveDirectory string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the sync core for one session",
	Long: `Start the local web host: the validated event stream at /event,
the state bridge at /ws, and the session sync core behind them.

Without --session, the most recently active session is resumed; if there
is none, a new session is created on the server.

Example:
  tether serve                     # resume the last session
  tether serve --session ses_123   # attach to a specific session
  tether serve --port 0            # use a random local port`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", -1, "Local listen port (default from configuration; 0 for random)")
	serveCmd.Flags().StringVar(&serveSessionID, "session", "", "Session id to attach to (default: last active, or a new one)")
	serveCmd.Flags().StringVar(&serveDirectory, "dir", "", "Project directory for the session (overrides configuration)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.Get()

	directory := cfg.Server.Directory
	if serveDirectory != "" {
		directory = serveDirectory
	}

	client := api.New(cfg.Server.URL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := resolveSession(ctx, client, directory)
	if err != nil {
		return err
	}
	logger.Info("attached to session",
		"session_id", sess.ID, "title", sess.Title, "directory", sess.Directory)

	// The bridge needs a snapshot source before the controller exists;
	// the controller needs the bridge to broadcast changes. Close the
	// cycle through a late-bound pointer.
	var ctrl *session.Controller
	bridge := web.NewBridge(func() any {
		if ctrl == nil {
			return nil
		}
		return ctrl.Snapshot()
	})

	ctrl = session.NewController(client, *sess, session.ControllerConfig{
		ReconcileTimeout: cfg.Session.ReconcileTimeout.Std(),
		AbortTimeout:     cfg.Session.AbortTimeout.Std(),
		OnChange: func() {
			bridge.Broadcast(web.FrameState, ctrl.Snapshot())
		},
	})
	defer ctrl.Close()

	if state, err := config.LoadState(); err == nil {
		if err := state.RememberSession(sess.ID, sess.Directory); err != nil {
			logger.Warn("failed to persist session state", "error", err)
		}
	}

	eventURL := ingress.BuildEventURL(cfg.Server.URL, directory)
	proxy := ingress.NewProxy(eventURL, ingress.Options{
		MaxSnippetBytes: cfg.Proxy.MaxSnippetBytes,
		EnableLogging:   true,
	})

	port := cfg.Proxy.Port
	if servePort >= 0 {
		port = servePort
	}
	srv := web.NewServer(proxy, bridge, web.Options{Host: cfg.Proxy.Host, Port: port})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	streamClient := stream.New(ctrl, stream.Config{
		InitialBackoff: cfg.Stream.InitialBackoff.Std(),
		MaxBackoff:     cfg.Stream.MaxBackoff.Std(),
		MaxAttempts:    cfg.Stream.MaxAttempts,
	})
	streamClient.SetTarget(eventURL)

	watcher, err := config.NewWatcher(cfgPath, func(newCfg *config.Config) {
		// Only the stream target follows a live reload; listener and
		// session settings apply on restart.
		cfg = newCfg
		streamClient.SetTarget(ingress.BuildEventURL(newCfg.Server.URL, directory))
	})
	if err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		watcher.Start()
		defer watcher.Close()
	}

	fmt.Printf("Tether serving session %s at http://%s\n", sess.ID, srv.Addr())

	<-ctx.Done()
	logger.Info("shutting down")

	streamClient.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// resolveSession picks the session to serve: the --session flag, then the
// persisted last-active session, then a freshly created one.
func resolveSession(ctx context.Context, client *api.Client, directory string) (*session.Session, error) {
	if serveSessionID != "" {
		info, err := client.GetSession(ctx, serveSessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch session %s: %w", serveSessionID, err)
		}
		return sessionFromInfo(info), nil
	}

	if state, err := config.LoadState(); err == nil && state.LastSessionID != "" {
		info, err := client.GetSession(ctx, state.LastSessionID)
		if err == nil {
			return sessionFromInfo(info), nil
		}
		logging.Get().Warn("last session unavailable, creating a new one",
			"session_id", state.LastSessionID, "error", err)
	}

	info, err := client.CreateSession(ctx, api.CreateSessionRequest{Directory: directory})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sessionFromInfo(info), nil
}
