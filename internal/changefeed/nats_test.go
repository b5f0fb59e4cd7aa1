package changefeed

import (
	"context"
	"testing"
	"time"

	"whereabouts/internal/fault"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runNATS(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		ServerName: "changefeed-test",
		Host:       "127.0.0.1",
		Port:       server.RANDOM_PORT,
		NoLog:      true,
		NoSigs:     true,
	})
	require.NoError(t, err)
	go ns.Start()
	t.Cleanup(ns.Shutdown)
	require.True(t, ns.ReadyForConnections(10*time.Second), "nats server not ready")

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestNATSBroker_RoutesByGroup(t *testing.T) {
	conn := runNATS(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewNATSBroker(discard(), conn, 8)
	sub, err := broker.Subscribe(ctx, Filter{Table: TableMembers, GroupCode: "AB12CD34"}, Filter{Table: TableLocations})
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, broker.Publish(ctx, Event{Table: TableMembers, Op: OpInsert, MemberID: id, GroupCode: "ZZZZ0000"}))
	require.NoError(t, broker.Publish(ctx, Event{Table: TableMembers, Op: OpUpdate, MemberID: id, GroupCode: "AB12CD34"}))
	require.NoError(t, broker.Publish(ctx, Event{Table: TableLocations, Op: OpUpdate, MemberID: id}))

	// Subjects are dispatched independently, so only the set is stable.
	got := map[Table]Event{}
	for range 2 {
		event := receive(t, sub)
		got[event.Table] = event
	}
	require.Contains(t, got, TableMembers)
	assert.Equal(t, "AB12CD34", got[TableMembers].GroupCode)
	assert.Equal(t, OpUpdate, got[TableMembers].Op)
	assert.Contains(t, got, TableLocations)

	sub.Close()
	for range sub.C() {
	}
	assert.NotPanics(t, sub.Close)
}

func TestNATSBroker_WildcardGroup(t *testing.T) {
	conn := runNATS(t)
	ctx := context.Background()

	broker := NewNATSBroker(discard(), conn, 8)
	sub, err := broker.Subscribe(ctx, Filter{Table: TableMembers}, Filter{Table: TableMembers, GroupCode: "AAAA1111"})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, broker.Publish(ctx, Event{Table: TableMembers, Op: OpDelete, GroupCode: "BBBB2222"}))

	event := receive(t, sub)
	assert.Equal(t, "BBBB2222", event.GroupCode)
	assert.Equal(t, OpDelete, event.Op)
}

func TestNATSBroker_ClosesWithContext(t *testing.T) {
	conn := runNATS(t)
	ctx, cancel := context.WithCancel(context.Background())

	broker := NewNATSBroker(discard(), conn, 1)
	sub, err := broker.Subscribe(ctx, Filter{Table: TableLocations})
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-sub.C():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription did not close with its context")
	}
	assert.NoError(t, broker.Publish(context.Background(), Event{Table: TableLocations}))
}

func TestNATSBroker_PublishOnClosedConnection(t *testing.T) {
	conn := runNATS(t)
	broker := NewNATSBroker(discard(), conn, 1)
	conn.Close()

	err := broker.Publish(context.Background(), Event{Table: TableLocations})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrTransientStore)
}

func TestNATSBroker_CarriesResync(t *testing.T) {
	conn := runNATS(t)
	ctx := context.Background()

	broker := NewNATSBroker(discard(), conn, 8)
	sub, err := broker.Subscribe(ctx, Filter{Table: TableMembers, GroupCode: "AB12CD34"}, Filter{Table: TableLocations})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, broker.Publish(ctx, Event{Table: TableLocations, Op: OpResync}))
	event := receive(t, sub)
	assert.Equal(t, OpResync, event.Op)
	assert.Equal(t, uuid.Nil, event.MemberID)
}
