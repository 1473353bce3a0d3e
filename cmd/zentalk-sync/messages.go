package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/client"
	"github.com/ZentaChain/zentalk-sync/pkg/network"
	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

var historyCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Print the decrypted messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer s.Close()

		msgs, err := s.engine.Messages(cmd.Context(), args[0], true)
		if err != nil {
			return err
		}
		plain, err := s.engine.DecryptMessages(cmd.Context(), msgs)
		if err != nil {
			return err
		}
		for _, m := range plain {
			printMessage(m)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text>",
	Short: "Encrypt and post a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer s.Close()

		msg, err := s.engine.PostMessage(cmd.Context(), args[0], args[1], nil)
		if err != nil {
			return err
		}
		fmt.Println(msg.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation> <message>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer s.Close()

		// Load the page so the sender check runs locally.
		if _, err := s.engine.Messages(cmd.Context(), args[0], false); err != nil {
			return err
		}
		return s.engine.DeleteMessage(cmd.Context(), args[0], args[1])
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation>",
	Short: "Follow a conversation live until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()
		e := s.engine

		incoming := make(chan protocol.Message, 64)
		e.On(protocol.FrameMessage, func(f *protocol.InboundFrame) {
			msg, err := f.Message()
			if err != nil {
				return
			}
			select {
			case incoming <- *msg:
			default:
				logger.Warn("dropping message, output is behind", zap.String("message", msg.ID))
			}
		})
		e.On(protocol.FrameMessageDeleted, func(f *protocol.InboundFrame) {
			if id, ok := f.DeletedMessageID(); ok {
				fmt.Printf("-- %s deleted\n", id)
			}
		})
		e.On(protocol.FrameError, func(f *protocol.InboundFrame) {
			logger.Warn("server error", zap.String("error", f.Error))
		})
		e.OnTyping(func(users []string) {
			if len(users) > 0 {
				fmt.Printf("-- typing: %v\n", shortUsers(users))
			}
		})

		if err := e.OpenConversation(ctx, args[0]); err != nil {
			return err
		}
		if err := e.OnStateChange(func(from, to network.State) {
			logger.Info("connection", zap.Stringer("from", from), zap.Stringer("to", to))
		}); err != nil {
			return err
		}

		for {
			select {
			case msg := <-incoming:
				plain, err := e.DecryptMessages(ctx, []protocol.Message{msg})
				if err != nil {
					return err
				}
				printMessage(plain[0])
				// The terminal has focus and shows the whole message.
				e.ObserveVisibility(msg.ID, 1)
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func printMessage(m client.DecryptedMessage) {
	at := protocol.FromUnixMilli(m.Timestamp).Format(time.Kitchen)
	fmt.Printf("[%s] %s: %s\n", at, m.Sender.Short(), m.Text)
}

func shortUsers(users []string) []string {
	out := make([]string, len(users))
	for i, u := range users {
		if fp, err := protocol.ParseFingerprint(u); err == nil {
			out[i] = fp.Short()
		} else {
			out[i] = u
		}
	}
	return out
}

var profileName string

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or update the user profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		var p *protocol.Profile
		if profileName != "" {
			p, err = s.engine.UpdateProfile(cmd.Context(), profileName)
		} else {
			p, err = s.engine.RefreshProfile(cmd.Context())
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", p.DisplayName, p.UserID)
		return nil
	},
}

func init() {
	profileCmd.Flags().StringVar(&profileName, "set", "", "New display name")
	rootCmd.AddCommand(historyCmd, sendCmd, deleteCmd, tailCmd, profileCmd)
}
