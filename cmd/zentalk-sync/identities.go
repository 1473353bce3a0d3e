package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-sync/pkg/crypto"
)

var identityLabel string

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "List the account's registered identities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		ids, err := s.engine.Identities(cmd.Context(), true)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLABEL\tFINGERPRINT")
		for _, id := range ids {
			fmt.Fprintf(w, "%s\t%s\t%s\n", id.ID, id.Label, id.Fingerprint.Short())
		}
		return w.Flush()
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a key pair and register it as a new identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if passphrase == "" {
			return fmt.Errorf("a passphrase is required to store the new key")
		}
		s, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		created, err := s.engine.CreateIdentity(cmd.Context(), kp, identityLabel)
		if err != nil {
			return err
		}
		if err := s.keys.Save(created.ID, kp, passphrase); err != nil {
			return fmt.Errorf("identity %s registered but key not saved: %w", created.ID, err)
		}
		fmt.Printf("%s\t%s\n", created.ID, created.Fingerprint)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <identity> <file>",
	Short: "Write an identity's private key to an unencrypted PEM file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if passphrase == "" {
			return fmt.Errorf("a passphrase is required to unlock the key")
		}
		keys, err := crypto.NewKeystore(cfg.KeystoreDir)
		if err != nil {
			return err
		}
		return keys.Export(cmd.Context(), args[0], passphrase, args[1])
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Register the key in a PEM file as a new identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if passphrase == "" {
			return fmt.Errorf("a passphrase is required to store the imported key")
		}
		data, err := crypto.LoadKeyFromFile(args[0])
		if err != nil {
			return err
		}
		kp, err := crypto.ImportPrivateKeyPEM(data)
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}

		s, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		created, err := s.engine.CreateIdentity(cmd.Context(), kp, identityLabel)
		if err != nil {
			return err
		}
		if err := s.keys.Save(created.ID, kp, passphrase); err != nil {
			return fmt.Errorf("identity %s registered but key not saved: %w", created.ID, err)
		}
		fmt.Printf("%s\t%s\n", created.ID, created.Fingerprint)
		return nil
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <identity>",
	Short: "Deregister an identity and delete its stored key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.DeleteIdentity(cmd.Context(), args[0]); err != nil {
			return err
		}
		return s.keys.Remove(args[0])
	},
}

func init() {
	keygenCmd.Flags().StringVar(&identityLabel, "label", "", "Label of the new identity")
	importCmd.Flags().StringVar(&identityLabel, "label", "", "Label of the imported identity")
	identitiesCmd.AddCommand(keygenCmd, importCmd, exportCmd, forgetCmd)
	rootCmd.AddCommand(identitiesCmd)
}
