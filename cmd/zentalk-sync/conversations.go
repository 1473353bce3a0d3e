package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List the conversations of an identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer s.Close()

		convs, err := s.engine.Conversations(cmd.Context(), true)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPARTICIPANTS\tUNREAD\tLATEST")
		for _, c := range convs {
			latest := "-"
			if c.Latest != nil {
				latest = protocol.FromUnixMilli(c.Latest.Timestamp).Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", c.ID, len(c.Participants), c.UnreadCount, latest)
		}
		return w.Flush()
	},
}

var startCmd = &cobra.Command{
	Use:   "start <fingerprint>...",
	Short: "Start a conversation with the given participants",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		participants := make([]protocol.Fingerprint, 0, len(args))
		for _, arg := range args {
			fp, err := protocol.ParseFingerprint(arg)
			if err != nil {
				return err
			}
			participants = append(participants, fp)
		}

		s, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer s.Close()

		conv, err := s.engine.StartConversation(cmd.Context(), participants)
		if err != nil {
			return err
		}
		fmt.Println(conv.ID)
		return nil
	},
}

func init() {
	conversationsCmd.AddCommand(startCmd)
	rootCmd.AddCommand(conversationsCmd)
}
