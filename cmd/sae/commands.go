package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/egorvert/Sae/api"
	"github.com/egorvert/Sae/client"
	"github.com/egorvert/Sae/config"
	"github.com/egorvert/Sae/document"
	"github.com/egorvert/Sae/task"
)

const shutdownTimeout = 30 * time.Second

// loadConfig loads layered configuration and applies flag overrides.
func loadConfig(flags *globalFlags, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	boot := newLogger(stderr, flags.logLevel, flags.logFormat)
	cfg, err := config.NewLoader(boot).Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	return cfg, newLogger(stderr, cfg.Log.Level, cfg.Log.Format), nil
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides config)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}

	if err := app.Start(ctx, ln); err != nil {
		_ = ln.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = app.Shutdown(shutdownCtx)
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case serveErr = <-app.Done():
		if serveErr != nil {
			logger.Error("HTTP server stopped", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, app.Shutdown(shutdownCtx))
}

// clientFlags locate the server for the client commands.
type clientFlags struct {
	server string
	apiKey string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.server, "server", "s", "", "Server base URL (default http://127.0.0.1:<server.port>)")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key (default auth.api_key)")
}

func (f *clientFlags) client(flags *globalFlags, stderr io.Writer) (*client.Client, error) {
	cfg, _, err := loadConfig(flags, stderr)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	base := f.server
	if base == "" {
		base = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}
	key := f.apiKey
	if key == "" {
		key = cfg.Auth.APIKey
	}
	return client.New(base, client.WithAPIKey(key)), nil
}

func submitCmd(flags *globalFlags) *cobra.Command {
	var (
		cf     clientFlags
		taskID string
		text   string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Submit a contract for review",
		Long: `Submit a contract document (PDF, DOCX, HTML, Markdown or plain text) for
review. Use --text to send contract text directly instead of a file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			msg, err := buildMessage(path, text)
			if err != nil {
				return err
			}

			c, err := cf.client(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			params := api.SendParams{ID: taskID, Message: msg}
			if path != "" {
				params.Metadata = map[string]any{"source": "cli", "path": filepath.Base(path)}
			}

			if !wait {
				res, err := c.Send(ctx, params)
				if err != nil {
					return fmt.Errorf("submit: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", res.ID, res.Status.State)
				return nil
			}

			return submitAndWait(ctx, c, params, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cf.register(cmd)
	cmd.Flags().StringVar(&taskID, "id", "", "Task id (default generated by the server)")
	cmd.Flags().StringVar(&text, "text", "", "Contract text to review instead of a file")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Stream progress and print the report when done")
	return cmd
}

// buildMessage turns a file path or inline text into the user message.
func buildMessage(path, text string) (task.Message, error) {
	switch {
	case path != "" && text != "":
		return task.Message{}, fmt.Errorf("pass either a file or --text, not both")
	case text != "":
		return task.NewUserMessage(task.TextPart(text)), nil
	case path == "":
		return task.Message{}, fmt.Errorf("a file or --text is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return task.Message{}, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return task.Message{}, fmt.Errorf("%s is empty", path)
	}
	return task.NewUserMessage(task.FilePart(task.FileContent{
		Name:     filepath.Base(path),
		MimeType: document.MimeTypeFromExtension(filepath.Ext(path)),
		Bytes:    base64.StdEncoding.EncodeToString(data),
	})), nil
}

func submitAndWait(ctx context.Context, c *client.Client, params api.SendParams, stdout, stderr io.Writer) error {
	stream, err := c.SendSubscribe(ctx, params)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer stream.Close()

	var last *api.TaskResult
	for {
		update, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("stream: %w", err)
		}
		if last == nil || last.Status.State != update.Status.State {
			line := fmt.Sprintf("%s\t%s", update.ID, update.Status.State)
			if update.Status.Message != nil {
				if t := update.Status.Message.Text(); t != "" {
					line += "\t" + t
				}
			}
			fmt.Fprintln(stderr, line)
		}
		last = update
	}

	if last == nil {
		return fmt.Errorf("stream ended without updates")
	}
	switch last.Status.State {
	case task.StateCompleted:
		printReport(stdout, last)
		return nil
	case task.StateFailed:
		return fmt.Errorf("task %s failed", last.ID)
	default:
		return fmt.Errorf("task %s ended in state %s", last.ID, last.Status.State)
	}
}

// printReport writes the text parts of every artifact.
func printReport(w io.Writer, res *api.TaskResult) {
	for _, a := range res.Artifacts {
		for _, p := range a.Parts {
			if p.Kind == task.PartText {
				fmt.Fprintln(w, p.Text)
			}
		}
	}
}

func statusCmd(flags *globalFlags) *cobra.Command {
	var (
		cf      clientFlags
		history int
		report  bool
	)

	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cf.client(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			res, err := c.Get(cmd.Context(), args[0], history)
			if err != nil {
				if client.IsTaskNotFound(err) {
					return fmt.Errorf("task %s not found", args[0])
				}
				return err
			}

			if report {
				printReport(cmd.OutOrStdout(), res)
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cf.register(cmd)
	cmd.Flags().IntVar(&history, "history", 0, "Include the last N history messages")
	cmd.Flags().BoolVar(&report, "report", false, "Print only the review report")
	return cmd
}

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	var path string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path != "" {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists", path)
				}
				if err := config.DefaultConfig().SaveToFile(path); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			}

			written, err := config.NewLoader(newLogger(cmd.ErrOrStderr(), flags.logLevel, flags.logFormat)).EnsureUserConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), written)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&path, "output", "o", "", "Write to this path instead of the user config")

	cmd.AddCommand(initCmd)
	return cmd
}
