package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/qwibitai/nanoclaw-sub004/internal/config"
	"github.com/qwibitai/nanoclaw-sub004/internal/store"
	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

// openStore opens the store at the configured path. CLI commands operate on
// the database directly; a running gateway picks edits up on its next group
// refresh.
func openStore() (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return store.New(cfg.StorePath)
}

func newGroupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage registered group conversations",
	}
	cmd.AddCommand(newGroupsListCmd(), newGroupsAddCmd(), newGroupsRemoveCmd())
	return cmd
}

func newGroupsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			groups, err := db.LoadRegisteredGroups(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JID\tNAME\tFOLDER\tTRIGGER\tREQUIRES TRIGGER\tADDED")
			for _, g := range groups {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
					g.JID, g.Name, g.Folder, g.Trigger, g.RequiresTrigger, g.AddedAt)
			}
			return w.Flush()
		},
	}
}

func newGroupsAddCmd() *cobra.Command {
	var (
		jid, name, folder, trigger string
		noTrigger                  bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a group for message delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if folder == "" {
				folder = name
			}
			if trigger == "" {
				trigger = name
			}

			group := models.RegisteredGroup{
				JID:             jid,
				Name:            name,
				Folder:          folder,
				Trigger:         trigger,
				RequiresTrigger: !noTrigger,
				AddedAt:         time.Now().UTC().Format(time.RFC3339),
			}
			if err := db.UpsertRegisteredGroup(cmd.Context(), group); err != nil {
				return err
			}
			fmt.Printf("registered %s as %q\n", jid, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&jid, "jid", "", "canonical conversation id (required)")
	cmd.Flags().StringVar(&name, "name", "", "group name (required)")
	cmd.Flags().StringVar(&folder, "folder", "", "working-directory handle (default: name)")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger word (default: name)")
	cmd.Flags().BoolVar(&noTrigger, "no-trigger", false, "deliver every message without requiring the trigger")
	cmd.MarkFlagRequired("jid")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newGroupsRemoveCmd() *cobra.Command {
	var jid string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Unregister a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.DeleteRegisteredGroup(cmd.Context(), jid); err != nil {
				return err
			}
			fmt.Printf("unregistered %s\n", jid)
			return nil
		},
	}
	cmd.Flags().StringVar(&jid, "jid", "", "canonical conversation id (required)")
	cmd.MarkFlagRequired("jid")
	return cmd
}

func newChatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List every conversation the gateway has seen",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			metas, err := db.LoadChatMetadata(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JID\tCHANNEL\tNAME\tGROUP\tLAST SEEN")
			for _, m := range metas {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
					m.JID, m.Channel, m.Name, m.IsGroup, m.LastSeen.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}
