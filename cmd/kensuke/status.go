package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dreamware/kensuke/internal/cluster"
)

func newStatusCmd() *cobra.Command {
	var api string
	var showSessions bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			base := strings.TrimRight(api, "/")
			if !strings.Contains(base, "://") {
				base = "http://" + base
			}

			var st cluster.Status
			if err := cluster.GetJSON(cmd.Context(), base+"/", &st); err != nil {
				return err
			}
			var nodes struct {
				Nodes []cluster.NodeInfo `json:"nodes"`
			}
			if err := cluster.GetJSON(cmd.Context(), base+"/nodes", &nodes); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st, nodes.Nodes)

			if showSessions {
				var sessions struct {
					Sessions []cluster.SessionInfo `json:"sessions"`
				}
				if err := cluster.GetJSON(cmd.Context(), base+"/sessions", &sessions); err != nil {
					return err
				}
				printSessions(cmd.OutOrStdout(), sessions.Sessions)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&api, "api", "localhost:8998", "metrics API address")
	cmd.Flags().BoolVar(&showSessions, "sessions", false, "list sessions too")
	return cmd
}

func printStatus(out io.Writer, st cluster.Status, nodes []cluster.NodeInfo) {
	label := color.New(color.Bold).SprintFunc()
	state := color.New(color.FgGreen).Sprint("running")
	if st.WarmingUp {
		state = color.New(color.FgYellow).Sprint("warming up")
	}

	_, _ = fmt.Fprintf(out, "%s %s (%s), up %v\n", label("kensuke"), st.Version, state,
		(time.Duration(st.UptimeMillis) * time.Millisecond).Round(time.Second))
	_, _ = fmt.Fprintf(out, "%s %d  %s %d\n", label("nodes:"), st.Nodes, label("sessions:"), st.Sessions)
	_, _ = fmt.Fprintf(out, "%s %d entries, %d hits, %d misses, %d evictions\n", label("cache:"),
		st.Cache.Entries, st.Cache.Hits, st.Cache.Misses, st.Cache.Evictions)
	_, _ = fmt.Fprintf(out, "%s %d accounts, %d scopes, %d documents (%d bytes)\n", label("storage:"),
		st.Storage.Accounts, st.Storage.Scopes, st.Storage.Documents, st.Storage.Bytes)

	if len(nodes) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "\n%s\n", label("NODE\tACCOUNT\tVERSION\tSESSIONS\tLAST SEEN"))
	for _, n := range nodes {
		account := n.Account
		if account == "" {
			account = color.New(color.FgRed).Sprint("unauthorized")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\tv%d\t%d\t%s\n", nodeName(n), account, n.Version, len(n.Sessions),
			n.LastSeen.Format(time.TimeOnly))
	}
	_ = w.Flush()
}

func nodeName(n cluster.NodeInfo) string {
	if n.Name != "" {
		return n.Name
	}
	return n.Addr
}

func printSessions(out io.Writer, sessions []cluster.SessionInfo) {
	label := color.New(color.Bold).SprintFunc()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "\n%s\n", label("SESSION\tPLAYER\tOWNER\tSCOPES\tWRITTEN"))
	for _, s := range sessions {
		owner := s.Owner
		if owner == "" {
			owner = color.New(color.FgYellow).Sprint("(none)")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", s.SessionID, s.DataID, owner, strings.Join(s.Scopes, ","), s.HadWrites)
	}
	_ = w.Flush()
}
