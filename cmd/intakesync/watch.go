package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cortexuvula/intakesync/internal/client"
	"github.com/cortexuvula/intakesync/internal/config"
	"github.com/cortexuvula/intakesync/internal/protocol"
	"github.com/cortexuvula/intakesync/internal/session"
)

func newWatchCmd() *cobra.Command {
	var (
		url        string
		token      string
		configPath string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect as a staff device and print session events as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := client.Options{}
			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				if !cmd.Flags().Changed("url") {
					url = socketURL(cfg)
				}
				if token == "" {
					token = cfg.Security.AuthToken
				}
				opts.IdleTimeout = cfg.Sync.InactivityTimeout
			}
			if token != "" {
				opts.Header = http.Header{"Authorization": []string{"Bearer " + token}}
			}

			out := cmd.OutOrStdout()
			opts.OnEvent = func(env protocol.Envelope) {
				printEvent(out, env, asJSON)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := client.New(url, opts)
			defer c.Close()
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s (Ctrl-C to stop)\n", url)
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:3000/api/socket", "Socket URL")
	cmd.Flags().StringVar(&token, "token", "", "Device auth token")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Read URL and token from a config file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw frames")
	return cmd
}

// socketURL derives a local socket URL from the listen address.
func socketURL(cfg *config.Config) string {
	scheme := "ws"
	if cfg.Server.TLS.Enabled {
		scheme = "wss"
	}
	host := cfg.Server.ListenAddress
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host[strings.LastIndex(host, ":"):]
	}
	return scheme + "://" + host + cfg.Server.SocketPath
}

func printEvent(out io.Writer, env protocol.Envelope, asJSON bool) {
	if asJSON {
		raw, err := json.Marshal(env)
		if err == nil {
			fmt.Fprintln(out, string(raw))
		}
		return
	}
	for _, line := range formatEvent(env) {
		fmt.Fprintln(out, line)
	}
}

// formatEvent renders a server event as human-readable lines.
func formatEvent(env protocol.Envelope) []string {
	switch env.Event {
	case protocol.EventAllSessions:
		var all map[string]session.Session
		if err := json.Unmarshal(env.Data, &all); err != nil {
			return []string{"all-sessions: undecodable payload"}
		}
		ids := make([]string, 0, len(all))
		for id := range all {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		lines := []string{fmt.Sprintf("all-sessions: %d session(s)", len(all))}
		for _, id := range ids {
			lines = append(lines, "  "+describeSession(all[id]))
		}
		return lines

	case protocol.EventSessionUpdated:
		var s session.Session
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return []string{"session-updated: undecodable payload"}
		}
		return []string{"updated " + describeSession(s)}

	case protocol.EventSessionDeleted:
		var id string
		if err := json.Unmarshal(env.Data, &id); err != nil {
			return []string{"session-deleted: undecodable payload"}
		}
		return []string{"deleted " + id}
	}
	return []string{env.Event}
}

func describeSession(s session.Session) string {
	name := strings.TrimSpace(s.Data[session.FieldFirstName] + " " + s.Data[session.FieldLastName])
	if name == "" {
		name = "(no name)"
	}
	filled := 0
	for _, f := range session.PatientFields {
		if s.Data[f] != "" {
			filled++
		}
	}
	return fmt.Sprintf("%s [%s] %s %d/%d fields", s.ID, s.Status, name, filled, len(session.PatientFields))
}
