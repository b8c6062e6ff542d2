package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/treepeck/pulse/internal/store"
)

var (
	userName     string
	userRole     string
	userInactive bool
	grantOwner   bool
	inboxLimit   int
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and their resources",
}

var userAddCmd = &cobra.Command{
	Use:   "add <userId>",
	Short: "Create or update a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		u := store.User{Id: args[0], Name: userName, Role: userRole, Active: !userInactive}
		if u.Name == "" {
			u.Name = u.Id
		}
		if err := s.PutUser(cmd.Context(), u); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %q saved\n", u.Id)
		return nil
	},
}

var userGrantCmd = &cobra.Command{
	Use:   "grant <userId> <resourceId>",
	Short: "Give a user access to a resource",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		userId, resourceId := args[0], args[1]
		if grantOwner {
			err = s.PutResource(cmd.Context(), resourceId, userId)
		} else {
			err = s.AddMember(cmd.Context(), resourceId, userId)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %q granted %q\n", userId, resourceId)
		return nil
	},
}

var userInboxCmd = &cobra.Command{
	Use:   "inbox <userId>",
	Short: "List the direct messages stored for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		messages, err := s.MessagesFor(cmd.Context(), args[0], inboxLimit)
		if err != nil {
			return err
		}
		for _, m := range messages {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-10s %s\n",
				m.CreatedAt.Format(time.RFC3339), m.Id, m.SenderId, m.Content)
		}
		return nil
	},
}

func openStore() (*store.Store, error) {
	cfg, _, err := load()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.DSN)
}

func init() {
	userAddCmd.Flags().StringVar(&userName, "name", "", "display name (defaults to the id)")
	userAddCmd.Flags().StringVar(&userRole, "role", "user", "role")
	userAddCmd.Flags().BoolVar(&userInactive, "inactive", false, "create the user deactivated")
	userGrantCmd.Flags().BoolVar(&grantOwner, "owner", false, "make the user the owner of the resource")
	userInboxCmd.Flags().IntVar(&inboxLimit, "limit", 50, "maximum number of messages")

	userCmd.AddCommand(userAddCmd, userGrantCmd, userInboxCmd)
}
