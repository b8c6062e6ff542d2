package room

import (
	"errors"
	"fmt"
	"strings"
)

/*
Kind is the prefix of a room id.  Each kind embeds exactly one id after the colon: a user id
for [KindUser], a resource id for every other kind.
*/
type Kind string

const (
	KindUser    Kind = "user"
	KindServer  Kind = "server"
	KindMetrics Kind = "metrics"
	KindAlerts  Kind = "alerts"
	KindConfig  Kind = "config"
)

var ErrInvalidRoom = errors.New("invalid room id")

func Id(k Kind, ref string) string { return string(k) + ":" + ref }

func User(userId string) string      { return Id(KindUser, userId) }
func Server(serverId string) string  { return Id(KindServer, serverId) }
func Metrics(serverId string) string { return Id(KindMetrics, serverId) }
func Alerts(serverId string) string  { return Id(KindAlerts, serverId) }
func Config(configId string) string  { return Id(KindConfig, configId) }

// Parse splits a room id into its kind and the embedded id.
func Parse(roomId string) (Kind, string, error) {
	prefix, ref, found := strings.Cut(roomId, ":")
	if !found || ref == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRoom, roomId)
	}

	switch k := Kind(prefix); k {
	case KindUser, KindServer, KindMetrics, KindAlerts, KindConfig:
		return k, ref, nil
	}
	return "", "", fmt.Errorf("%w: unknown kind in %q", ErrInvalidRoom, roomId)
}
