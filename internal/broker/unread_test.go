package broker_test

import (
	"testing"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/rooms"
	"github.com/stretchr/testify/require"
)

func TestUnreadTrackerFocus(t *testing.T) {
	req := require.New(t)
	u := broker.NewUnreadTracker()
	general, random := rooms.Public("general"), rooms.Public("random")

	u.Focus("bob", general)
	u.Focus("bob", random)
	u.Focus("alice", general)

	u.Record(general, "alice")
	u.Record(general, "alice")
	u.Record(random, "carol")

	req.Equal(map[string]int{"general": 2}, u.Counts("bob"))
	req.Empty(u.Counts("alice"))

	u.Focus("bob", general)
	req.Empty(u.Counts("bob"))
}

func TestUnreadTrackerSubscribeKeepsFocus(t *testing.T) {
	req := require.New(t)
	u := broker.NewUnreadTracker()
	general := rooms.Public("general")
	dm := rooms.Direct("alice", "bob")

	u.Focus("alice", general)
	u.Subscribe("alice", dm)
	u.Record(dm, "bob")

	req.Equal(map[string]int{dm.String(): 1}, u.Counts("alice"))

	u.MarkRead("alice", dm)
	req.Empty(u.Counts("alice"))
}

func TestUnreadTrackerForget(t *testing.T) {
	req := require.New(t)
	u := broker.NewUnreadTracker()
	general, random := rooms.Public("general"), rooms.Public("random")

	u.Focus("bob", general)
	u.Focus("bob", random)
	u.Record(general, "alice")
	u.Forget("bob")

	req.Empty(u.Counts("bob"))

	// A forgotten connection no longer accumulates counts.
	u.Record(general, "alice")
	req.Empty(u.Counts("bob"))
}

func TestUnreadTrackerCountsIsACopy(t *testing.T) {
	u := broker.NewUnreadTracker()
	general := rooms.Public("general")
	u.Subscribe("bob", general)
	u.Record(general, "alice")

	counts := u.Counts("bob")
	counts["general"] = 99

	require.Equal(t, map[string]int{"general": 1}, u.Counts("bob"))
}
