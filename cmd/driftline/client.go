package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/driftline/internal/config"
	"github.com/hyperengineering/driftline/internal/syncer"
	"github.com/hyperengineering/driftline/pkg/offline"
)

var clientOffline bool

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Work with a local replica",
	Long:  "Read and write a local replica and sync it with the server. Writes are queued locally and sent by 'client sync'.",
}

func init() {
	clientCmd.PersistentFlags().BoolVar(&clientOffline, "offline", false,
		"Never contact the server")

	clientCmd.AddCommand(clientAddCmd)
	clientCmd.AddCommand(clientUpdateCmd)
	clientCmd.AddCommand(clientDeleteCmd)
	clientCmd.AddCommand(clientGetCmd)
	clientCmd.AddCommand(clientListCmd)
	clientCmd.AddCommand(clientSyncCmd)
	clientCmd.AddCommand(clientStatusCmd)
	clientCmd.AddCommand(clientFailedCmd)
	clientCmd.AddCommand(clientRetryCmd)
	clientCmd.AddCommand(clientDismissCmd)
}

// openClient builds an offline client from the client configuration.
// Logs go to stderr so command output stays parseable.
func openClient(cmd *cobra.Command) (*offline.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !clientOffline {
		if err := cfg.ValidateClient(); err != nil {
			return nil, err
		}
	}

	logger, _ := newLogger(config.LogConfig{Level: cfg.Log.Level, Format: "text"}, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	return offline.New(offline.Config{
		ReplicaPath:    cfg.Client.ReplicaPath,
		ServerURL:      cfg.Client.ServerURL,
		Token:          cfg.Client.Token,
		SyncInterval:   time.Duration(cfg.Client.SyncInterval),
		RequestTimeout: time.Duration(cfg.Client.RequestTimeout),
		Parallelism:    cfg.Client.Parallelism,
		PageSize:       cfg.Client.PageSize,
		MaxAttempts:    cfg.Client.MaxAttempts,
		OfflineMode:    clientOffline,
	})
}

// readPayload returns arg as JSON, or stdin when arg is "-".
func readPayload(cmd *cobra.Command, arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		data, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func printRecord(w io.Writer, rec *offline.Record) error {
	if jsonOutput {
		return printJSON(w, rec)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ID, rec.Kind, rec.Payload)
	return nil
}

// describeStatus renders a display status as one line.
func describeStatus(d offline.DisplayStatus) string {
	switch s := d.(type) {
	case syncer.Idle:
		return "idle (never synced)"
	case syncer.Offline:
		return "offline"
	case syncer.Syncing:
		if s.Total > 0 {
			return fmt.Sprintf("syncing %d/%d", s.Current, s.Total)
		}
		return "syncing"
	case syncer.Error:
		return fmt.Sprintf("error: %s (%s)", s.Reason, s.Action)
	case syncer.Success:
		return "synced at " + s.At.Local().Format(time.DateTime)
	default:
		return "unknown"
	}
}

func statusKind(d offline.DisplayStatus) string {
	switch d.(type) {
	case syncer.Idle:
		return "idle"
	case syncer.Offline:
		return "offline"
	case syncer.Syncing:
		return "syncing"
	case syncer.Error:
		return "error"
	case syncer.Success:
		return "success"
	default:
		return "unknown"
	}
}

func closeClient(c *offline.Client) {
	if err := c.Close(); err != nil {
		slog.Error("close replica", "error", err)
	}
}
