package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type notice struct {
	Domain string `json:"domain"`
	State  string `json:"state"`
}

func (n notice) Attributes() map[string]string {
	return map[string]string{"state": n.State}
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(ctx, "proj", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/proj/topics/outcomes"})
	require.NoError(t, err)

	pub := New(client)
	id, err := pub.Publish(ctx, "outcomes", notice{Domain: "example.com", State: "done"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got notice
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, notice{Domain: "example.com", State: "done"}, got)
	assert.Equal(t, "done", msgs[0].Attributes["state"])
}

func TestPublisherRejectsUnmarshalable(t *testing.T) {
	t.Parallel()

	pub := New(&pubsub.Client{})
	_, err := pub.Publish(context.Background(), "outcomes", make(chan int))
	require.Error(t, err)
}

func TestNilPublisher(t *testing.T) {
	t.Parallel()

	var pub *Publisher
	_, err := pub.Publish(context.Background(), "outcomes", "x")
	require.Error(t, err)
}
