package live

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secureai/uploadhub/pkg/config"
	"github.com/secureai/uploadhub/pkg/types"
)

func setupTestManager(t *testing.T) *Manager {
	cfg := &config.LiveConfig{
		MaxConnectionsPerIdentity: 2,
		MaxConnectionsTotal:       3,
		SendBufferSize:            4,
	}
	return NewManager(cfg)
}

func TestRegister_EnforcesIdentityCap(t *testing.T) {
	manager := setupTestManager(t)
	identity := uuid.New()

	_, err := manager.Register(identity)
	require.NoError(t, err)
	_, err = manager.Register(identity)
	require.NoError(t, err)

	_, err = manager.Register(identity)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// a different identity is still admitted
	_, err = manager.Register(uuid.New())
	assert.NoError(t, err)
}

func TestRegister_EnforcesGlobalCap(t *testing.T) {
	manager := setupTestManager(t)

	for i := 0; i < 3; i++ {
		_, err := manager.Register(uuid.New())
		require.NoError(t, err)
	}

	_, err := manager.Register(uuid.New())
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestUnregister_FreesCapacity(t *testing.T) {
	manager := setupTestManager(t)
	identity := uuid.New()

	a, err := manager.Register(identity)
	require.NoError(t, err)
	_, err = manager.Register(identity)
	require.NoError(t, err)

	manager.Unregister(a)

	_, err = manager.Register(identity)
	assert.NoError(t, err)
}

func TestUnregister_Idempotent(t *testing.T) {
	manager := setupTestManager(t)

	conn, err := manager.Register(uuid.New())
	require.NoError(t, err)

	manager.Unregister(conn)
	manager.Unregister(conn)

	assert.Equal(t, 0, manager.Stats().TotalConnections)
}

func TestSubscribe_RoutesEventsToSubscribersOnly(t *testing.T) {
	manager := setupTestManager(t)
	broadcaster := NewBroadcaster(manager)
	sessionID := uuid.New()
	other := uuid.New()

	a, err := manager.Register(uuid.New())
	require.NoError(t, err)
	b, err := manager.Register(uuid.New())
	require.NoError(t, err)

	manager.Subscribe(a, sessionID)
	manager.Subscribe(b, other)

	event := types.NewEvent(types.EventUploadProgress, sessionID, uuid.New(), types.JSONMap{"percentage": 50.0})
	delivered := broadcaster.Publish(event)

	assert.Equal(t, 1, delivered)
	select {
	case got := <-a.Out():
		assert.Equal(t, types.EventUploadProgress, got.Type)
		assert.Equal(t, sessionID, got.SessionID)
	default:
		t.Fatal("expected event on subscribed connection")
	}
	select {
	case <-b.Out():
		t.Fatal("unexpected event on unsubscribed connection")
	default:
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	manager := setupTestManager(t)
	broadcaster := NewBroadcaster(manager)
	sessionID := uuid.New()

	conn, err := manager.Register(uuid.New())
	require.NoError(t, err)
	manager.Subscribe(conn, sessionID)
	manager.Unsubscribe(conn, sessionID)

	delivered := broadcaster.Publish(types.NewEvent(types.EventUploadComplete, sessionID, uuid.New(), nil))
	assert.Equal(t, 0, delivered)
}

func TestPublish_NoSubscribersIsNoOp(t *testing.T) {
	manager := setupTestManager(t)
	broadcaster := NewBroadcaster(manager)

	delivered := broadcaster.Publish(types.NewEvent(types.EventUploadError, uuid.New(), uuid.New(), nil))
	assert.Equal(t, 0, delivered)
}

func TestPublish_DropsSlowConnection(t *testing.T) {
	manager := setupTestManager(t)
	broadcaster := NewBroadcaster(manager)
	sessionID := uuid.New()

	conn, err := manager.Register(uuid.New())
	require.NoError(t, err)
	manager.Subscribe(conn, sessionID)

	// fill the connection's buffer without draining it
	for i := 0; i < 4; i++ {
		delivered := broadcaster.Publish(types.NewEvent(types.EventUploadProgress, sessionID, uuid.New(), nil))
		assert.Equal(t, 1, delivered)
	}

	delivered := broadcaster.Publish(types.NewEvent(types.EventUploadProgress, sessionID, uuid.New(), nil))
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, manager.Stats().TotalConnections)
}

func TestPublishToIdentity_ReachesAllConnections(t *testing.T) {
	manager := setupTestManager(t)
	broadcaster := NewBroadcaster(manager)
	identity := uuid.New()

	_, err := manager.Register(identity)
	require.NoError(t, err)
	_, err = manager.Register(identity)
	require.NoError(t, err)
	_, err = manager.Register(uuid.New())
	require.NoError(t, err)

	delivered := broadcaster.PublishToIdentity(identity, types.NewEvent(types.EventStats, uuid.Nil, identity, nil))
	assert.Equal(t, 2, delivered)
}

func TestStats_CountsSubscriptions(t *testing.T) {
	manager := setupTestManager(t)

	a, err := manager.Register(uuid.New())
	require.NoError(t, err)
	b, err := manager.Register(uuid.New())
	require.NoError(t, err)

	sessionID := uuid.New()
	manager.Subscribe(a, sessionID)
	manager.Subscribe(b, sessionID)
	manager.Subscribe(b, uuid.New())

	stats := manager.Stats()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 2, stats.Identities)
	assert.Equal(t, 3, stats.Subscriptions)
}

func TestUnregister_RemovesSubscriptions(t *testing.T) {
	manager := setupTestManager(t)

	conn, err := manager.Register(uuid.New())
	require.NoError(t, err)
	manager.Subscribe(conn, uuid.New())
	manager.Subscribe(conn, uuid.New())

	manager.Unregister(conn)

	stats := manager.Stats()
	assert.Equal(t, 0, stats.TotalConnections)
	assert.Equal(t, 0, stats.Subscriptions)
}
