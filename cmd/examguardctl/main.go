// examguardctl inspects proctored exam sessions recorded on this device.
//
// Session directories are encrypted with a per-session key that never
// touches the disk. Commands that read a session need the key, either in
// hex (--key) or inside an export document (--export).
//
// Usage:
//
//	examguardctl sessions
//	examguardctl inspect <session-id> --key <hex>
//	examguardctl verify <session-id> --export export.json
//	examguardctl report <session-id> --key <hex> --format json
//	examguardctl upload <session-id> --key <hex>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"examguard/internal/config"
	"examguard/internal/logging"
	"examguard/internal/security"
	"examguard/internal/session"
	"examguard/internal/vault"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "examguardctl",
	Short:         "Inspect proctored exam sessions",
	Long:          "examguardctl decrypts, verifies, reports and uploads exam sessions recorded by examguard.",
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		st, err := security.HardenProcess()
		if err != nil {
			newLogger(cmd).Debug("process hardening incomplete", "error", err)
		}
		for _, w := range st.Warnings() {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", w)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to config file")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn, error")

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(uploadCmd)

	for _, c := range []*cobra.Command{inspectCmd, verifyCmd, reportCmd, uploadCmd} {
		c.Flags().String("key", "", "hex session key")
		c.Flags().String("export", "", "export document carrying the session key")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ve *verifyError
		if errors.As(err, &ve) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) *logging.Logger {
	lc := logging.DefaultConfig()
	if s, _ := cmd.Flags().GetString("log-level"); s != "" {
		if lvl, err := logging.ParseLevel(s); err == nil {
			lc.Level = lvl
		}
	}
	l, err := logging.New(lc)
	if err != nil {
		return logging.Default()
	}
	return l
}

// sessionKey resolves the key from --key or --export.
func sessionKey(cmd *cobra.Command, sessionID string) ([]byte, error) {
	if s, _ := cmd.Flags().GetString("key"); s != "" {
		return vault.ParseKey(strings.TrimSpace(s))
	}
	path, _ := cmd.Flags().GetString("export")
	if path == "" {
		return nil, errors.New("a session key is required (--key or --export)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	var doc session.ExamSession
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse export: %w", err)
	}
	if doc.SessionID != sessionID {
		return nil, fmt.Errorf("export belongs to session %s", doc.SessionID)
	}
	if doc.ExportKey == "" {
		return nil, errors.New("export carries no session key")
	}
	return vault.ParseKey(doc.ExportKey)
}

// opened is a decrypted session together with its vault.
type opened struct {
	cfg     *config.Config
	log     *logging.Logger
	manager *session.Manager
	session session.ExamSession
	vault   *vault.Vault
}

func (o *opened) Close() error { return o.manager.Close() }

func openSession(ctx context.Context, cmd *cobra.Command, id string) (*opened, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	key, err := sessionKey(cmd, id)
	if err != nil {
		return nil, err
	}
	log := newLogger(cmd)
	m := session.NewManager(cfg.SessionsDir(), session.WithLogger(log))
	s, err := m.LoadSessionWithKey(ctx, id, key)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}
	v, err := m.Vault(id)
	if err != nil {
		m.Close()
		return nil, err
	}
	return &opened{cfg: cfg, log: log, manager: m, session: s, vault: v}, nil
}
