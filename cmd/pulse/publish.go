package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/treepeck/pulse/internal/mq"
	"github.com/treepeck/pulse/pkg/event"
	pubmq "github.com/treepeck/pulse/pkg/mq"
)

var (
	publishRoom    string
	publishUser    string
	publishPayload string
	publishKey     string
)

/*
publishCmd sends a server event through the broker the same way another service would.
*/
var publishCmd = &cobra.Command{
	Use:   "publish <action>",
	Short: "Publish a server event to the broker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := load()
		if err != nil {
			return err
		}
		if cfg.Broker.URL == "" {
			return errors.New("broker.url is not configured")
		}
		if !json.Valid([]byte(publishPayload)) {
			return fmt.Errorf("payload is not valid JSON: %s", publishPayload)
		}

		raw, err := json.Marshal(event.ServerEvent{
			Action:  event.Action(args[0]),
			Payload: json.RawMessage(publishPayload),
			RoomId:  publishRoom,
			UserId:  publishUser,
		})
		if err != nil {
			return err
		}

		d, err := mq.Dial(cfg.Broker.URL)
		if err != nil {
			return err
		}
		defer d.Release()

		ch, err := d.OpenChannel()
		if err != nil {
			return err
		}
		defer ch.Close()

		key := publishKey
		if key == "" {
			key = args[0]
		}
		return pubmq.Publish(cmd.Context(), ch, cfg.Broker.Exchange, key, raw)
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishRoom, "room", "", "target room id")
	publishCmd.Flags().StringVar(&publishUser, "user", "", "target user id")
	publishCmd.Flags().StringVar(&publishPayload, "payload", "{}", "event payload as JSON")
	publishCmd.Flags().StringVar(&publishKey, "key", "", "routing key (defaults to the action)")
	publishCmd.MarkFlagsMutuallyExclusive("room", "user")
	publishCmd.MarkFlagsOneRequired("room", "user")
}
