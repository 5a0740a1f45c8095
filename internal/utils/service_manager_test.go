package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeService struct {
	name     string
	rec      *recorder
	startErr error
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.rec.add("start:" + s.name)
	return nil
}

func (s *fakeService) Stop(ctx context.Context) error {
	s.rec.add("stop:" + s.name)
	return nil
}

type fakeResource struct {
	name string
	rec  *recorder
}

func (r *fakeResource) Close() error {
	r.rec.add("close:" + r.name)
	return nil
}

func testServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		GracefulShutdownTimeout: time.Second,
		ResourceDisposeTimeout:  time.Second,
	}
}

func TestServiceManager_Lifecycle(t *testing.T) {
	rec := &recorder{}
	sm := NewServiceManager(context.Background(), testServiceConfig())

	require.NoError(t, sm.RegisterService(&fakeService{name: "broadcast", rec: rec}))
	require.NoError(t, sm.RegisterService(&fakeService{name: "http", rec: rec}))
	assert.Error(t, sm.RegisterService(&fakeService{name: "http", rec: rec}))
	require.NoError(t, sm.RegisterResource("central-db", &fakeResource{name: "central-db", rec: rec}))
	require.NoError(t, sm.RegisterResource("pools", &fakeResource{name: "pools", rec: rec}))
	sm.OnShutdown(func(ctx context.Context) { rec.add("drain") })

	assert.Equal(t, []string{"broadcast", "http"}, sm.ListServices())
	assert.Equal(t, []string{"central-db", "pools"}, sm.ListResources())

	done := make(chan error, 1)
	go func() { done <- sm.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(rec.list()) == 2 }, time.Second, 5*time.Millisecond)
	sm.TriggerShutdown()
	sm.TriggerShutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, []string{
		"start:broadcast", "start:http",
		"drain",
		"stop:http", "stop:broadcast",
		"close:pools", "close:central-db",
	}, rec.list())
	assert.True(t, sm.IsClosed())
}

func TestServiceManager_StartFailureStopsStarted(t *testing.T) {
	rec := &recorder{}
	sm := NewServiceManager(context.Background(), testServiceConfig())

	require.NoError(t, sm.RegisterService(&fakeService{name: "broadcast", rec: rec}))
	require.NoError(t, sm.RegisterService(&fakeService{name: "http", rec: rec, startErr: errors.New("address in use")}))

	err := sm.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http")
	assert.Equal(t, []string{"start:broadcast", "stop:broadcast"}, rec.list())
}

func TestServiceManager_ContextCancel(t *testing.T) {
	rec := &recorder{}
	sm := NewServiceManager(context.Background(), testServiceConfig())
	require.NoError(t, sm.RegisterService(&fakeService{name: "http", rec: rec}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, []string{"start:http", "stop:http"}, rec.list())
}
