package realtime_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-syncflow/pkg/backend"
	"github.com/illmade-knight/go-syncflow/pkg/realtime"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// setupFeedTest creates an in-memory Pub/Sub environment with one topic and
// one subscription.
func setupFeedTest(t *testing.T, projectID, topicID, subID string) (*pubsub.Client, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)

	_, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	return client, topic
}

func TestPubsubFeed_DeliversChangeEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, topic := setupFeedTest(t, "test-project", "changes", "changes-sub")
	defer topic.Stop()

	feed, err := realtime.DialPubsubFeed(ctx, realtime.PubsubFeedConfig{SubscriptionID: "changes-sub"}, client, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = feed.Close(context.Background()) })

	payload, err := json.Marshal(realtime.ChangeEvent{
		ID:    "evt-1",
		Type:  realtime.EventInsert,
		Table: "tasks",
		After: backend.Row{"id": "task-1", "title": "from the feed"},
	})
	require.NoError(t, err)

	res := topic.Publish(ctx, &pubsub.Message{Data: payload})
	_, err = res.Get(ctx)
	require.NoError(t, err)

	select {
	case ev := <-feed.Events():
		assert.Equal(t, "evt-1", ev.ID)
		assert.Equal(t, realtime.EventInsert, ev.Type)
		assert.Equal(t, "tasks", ev.Table)
		assert.Equal(t, "task-1", ev.After["id"])
		assert.False(t, ev.ReceivedAt.IsZero(), "publish time fills in a missing ReceivedAt")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestPubsubFeed_DropsMalformedPayloads(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, topic := setupFeedTest(t, "test-project", "changes-bad", "changes-bad-sub")
	defer topic.Stop()

	feed, err := realtime.DialPubsubFeed(ctx, realtime.PubsubFeedConfig{SubscriptionID: "changes-bad-sub"}, client, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = feed.Close(context.Background()) })

	res := topic.Publish(ctx, &pubsub.Message{Data: []byte("not json")})
	_, err = res.Get(ctx)
	require.NoError(t, err)

	good, err := json.Marshal(realtime.ChangeEvent{ID: "evt-2", Type: realtime.EventDelete, Table: "tasks"})
	require.NoError(t, err)
	res = topic.Publish(ctx, &pubsub.Message{Data: good})
	_, err = res.Get(ctx)
	require.NoError(t, err)

	select {
	case ev := <-feed.Events():
		assert.Equal(t, "evt-2", ev.ID, "the malformed payload is acked and skipped")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the well-formed event")
	}
}

func TestPubsubFeed_DialFailsForMissingSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, _ := setupFeedTest(t, "test-project", "changes-missing", "changes-missing-sub")

	_, err := realtime.DialPubsubFeed(ctx, realtime.PubsubFeedConfig{SubscriptionID: "no-such-sub"}, client, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestPubsubFeed_CloseStopsReceiving(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, topic := setupFeedTest(t, "test-project", "changes-close", "changes-close-sub")
	defer topic.Stop()

	feed, err := realtime.DialPubsubFeed(ctx, realtime.PubsubFeedConfig{SubscriptionID: "changes-close-sub"}, client, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, feed.Alive())

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	require.NoError(t, feed.Close(closeCtx))
	assert.False(t, feed.Alive())

	_, ok := <-feed.Events()
	assert.False(t, ok, "the events channel closes with the feed")
}
