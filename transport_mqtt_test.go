package relaycache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestMQTTBroker(t *testing.T, port int) *mqttserver.Server {
	t.Helper()
	server := mqttserver.New(nil)
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))

	tcp := listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("test-broker-%d", port),
		Address: fmt.Sprintf("127.0.0.1:%d", port),
	})
	require.NoError(t, server.AddListener(tcp))

	go func() {
		if err := server.Serve(); err != nil {
			t.Logf("MQTT broker stopped: %v", err)
		}
	}()
	t.Cleanup(func() { server.Close() })
	return server
}

func connectTestMQTT(t *testing.T, port int, id string) MQTTConfig {
	t.Helper()
	return MQTTConfig{Host: fmt.Sprintf("tcp://127.0.0.1:%d", port), ClientID: id}
}

func TestMQTT_PeerLoadsFromResponder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MQTT test in short mode")
	}
	const port = 11893
	startTestMQTTBroker(t, port)

	served := newTestStore(t, StoreConfig{})
	for i, at := range []int64{100, 200, 300, 400} {
		require.True(t, served.Insert(testEvent(fmt.Sprintf("e%d", i), "P", 1, at)))
	}
	require.True(t, served.Insert(testEvent("r", "P", 7, 500)))

	server := NewMQTTClient(connectTestMQTT(t, port, "relaycache-server"), nil)
	require.NoError(t, ConnectMQTT(server, 5*time.Second))
	defer server.Disconnect(100)
	responder, err := ServeMQTT(server, "server", served)
	require.NoError(t, err)
	defer responder.Close()

	client := NewMQTTClient(connectTestMQTT(t, port, "relaycache-client"), nil)
	require.NoError(t, ConnectMQTT(client, 5*time.Second))
	defer client.Disconnect(100)
	peer := NewMQTTSource(client, "client", "server")
	require.NoError(t, peer.Start())
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []*nostr.Event
	err = peer.Request(ctx, nostr.Filter{Kinds: []int{1}, Until: At(350), Limit: 2}, func(ev *nostr.Event) {
		got = append(got, ev)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2", "e1"}, ids(got))

	err = peer.Request(ctx, nostr.Filter{Search: "hello"}, func(*nostr.Event) {})
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	// the peer is an ordinary loader source
	local := newTestStore(t, StoreConfig{})
	l := NewTimelineLoader(nostr.Filter{Kinds: []int{1}}, []Source{peer.Source()}, LoaderOptions{NoForward: true, PageSize: 10})
	accepted := make(chan int, 1)
	go func() { accepted <- Sink(l.Events(), local.Insert) }()

	waitBlocks(t, l.update(Window{Since: At(0), Until: At(1000)}))
	waitBlocks(t, l.update(Window{Since: At(0), Until: At(1000)}))
	assert.True(t, l.Exhausted(Backward))
	l.Close()

	assert.Equal(t, 4, <-accepted)
	assert.Equal(t, 4, local.Len())
}

func TestMQTT_NoPeerTimesOutOrCancels(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MQTT test in short mode")
	}
	const port = 11894
	startTestMQTTBroker(t, port)

	client := NewMQTTClient(connectTestMQTT(t, port, "relaycache-lonely"), nil)
	require.NoError(t, ConnectMQTT(client, 5*time.Second))
	defer client.Disconnect(100)
	peer := NewMQTTSource(client, "lonely", "nobody")
	require.NoError(t, peer.Start())
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := peer.Request(ctx, nostr.Filter{}, func(*nostr.Event) {})
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout), "got %v", err)
}
