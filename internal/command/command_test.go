package command

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpoker/endpoint-agent/internal/redisschema"
)

type stubExecutor struct {
	elevated    bool
	killCalled  bool
	killErr     error
	snapshotErr error
}

func (s *stubExecutor) KillCoinPoker(ctx context.Context) (map[string]interface{}, error) {
	s.killCalled = true
	if s.killErr != nil {
		return nil, s.killErr
	}
	return map[string]interface{}{"killed_pids": []int{123}}, nil
}

func (s *stubExecutor) TakeSnapshot(ctx context.Context) (map[string]interface{}, error) {
	if s.snapshotErr != nil {
		return nil, s.snapshotErr
	}
	return map[string]interface{}{"tables": 1}, nil
}

func (s *stubExecutor) IsElevated() bool { return s.elevated }

func TestDispatch_RequireAdminFailsFastWithoutElevation(t *testing.T) {
	exec := &stubExecutor{elevated: false}
	cmd := Command{ID: "c1", Name: KillCoinPoker, RequireAdmin: true}

	result := Dispatch(context.Background(), cmd, exec)

	assert.False(t, result.Success)
	assert.True(t, result.AdminRequired)
	assert.False(t, exec.killCalled)
}

func TestDispatch_RunsKnownCommand(t *testing.T) {
	exec := &stubExecutor{elevated: true}
	cmd := Command{ID: "c2", Name: KillCoinPoker}

	result := Dispatch(context.Background(), cmd, exec)

	assert.True(t, result.Success)
	assert.True(t, exec.killCalled)
}

func TestDispatch_UnknownCommandFails(t *testing.T) {
	exec := &stubExecutor{elevated: true}
	cmd := Command{ID: "c3", Name: "reboot"}

	result := Dispatch(context.Background(), cmd, exec)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown command")
}

func TestHTTPClient_FetchCommandsDecodesAndResetsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dev-1", r.URL.Query().Get("deviceId"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok": true,
			"data": map[string]interface{}{
				"commands": []map[string]interface{}{
					{"id": "cmd-1", "command": KillCoinPoker, "requireAdmin": true},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "dev-1", "tok", time.Millisecond)
	commands, err := c.FetchCommands(context.Background())

	require.NoError(t, err)
	require.Len(t, commands, 1)
	assert.Equal(t, "cmd-1", commands[0].ID)
	assert.True(t, commands[0].RequireAdmin)
}

func TestHTTPClient_BacksOffOn503(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "dev-1", "", time.Millisecond)
	_, err := c.FetchCommands(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c.backoff.consecutiveErrors)
	assert.True(t, c.backoff.active(time.Now()))
}

func TestRedisClient_FetchCommandsMarksProcessingAndDequeues(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	c, err := NewRedisClient(ctx, "redis://"+mr.Addr(), "dev-2", time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	keys := redisschema.Keys{}
	cmdPayload, _ := json.Marshal(map[string]interface{}{
		"id": "cmd-9", "command": TakeSnapshot, "status": "pending",
	})
	require.NoError(t, mr.Set(keys.Command("dev-2", "cmd-9"), string(cmdPayload)))
	mr.ZAdd(keys.CommandQueue("dev-2"), 1, "cmd-9")

	commands, err := c.FetchCommands(ctx)
	require.NoError(t, err)
	require.Len(t, commands, 1)
	assert.Equal(t, "cmd-9", commands[0].ID)

	members, _ := mr.ZMembers(keys.CommandQueue("dev-2"))
	assert.Empty(t, members)
}

func TestRedisClient_SendResultWritesWithTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	c, err := NewRedisClient(ctx, "redis://"+mr.Addr(), "dev-3", time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	err = c.SendResult(ctx, Command{ID: "cmd-5"}, Result{Success: true, Output: map[string]interface{}{"ok": true}})
	require.NoError(t, err)

	keys := redisschema.Keys{}
	val, err := mr.Get(keys.CommandResult("dev-3", "cmd-5"))
	require.NoError(t, err)
	assert.Contains(t, val, `"success":true`)
}
