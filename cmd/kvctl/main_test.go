package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"kvclient/internal/remote"
	"kvclient/internal/storage"
)

func startServer(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	gs, _ := remote.NewGRPCServer(remote.NewServer(storage.NewMemoryBackend()))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis.Addr().String()
}

func kvctl(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"-addr", addr, "-store", "cli", "-retry-delay", "0"}, args...)
	err := run(context.Background(), full, &stdout, &stderr)
	return stdout.String(), err
}

func parseEntry(t *testing.T, line string) map[string]any {
	t.Helper()
	var st structpb.Struct
	require.NoError(t, protojson.Unmarshal([]byte(line), &st))
	return st.AsMap()
}

func TestSetGetRemove(t *testing.T) {
	addr := startServer(t)

	out, err := kvctl(t, addr, "set", "alice", `{"score": 10}`)
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))

	out, err = kvctl(t, addr, "get", "alice", "nobody")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	alice := parseEntry(t, lines[0])
	assert.Equal(t, "alice", alice["key"])
	assert.Equal(t, true, alice["exists"])
	assert.Equal(t, map[string]any{"score": 10.0}, alice["value"])

	nobody := parseEntry(t, lines[1])
	assert.Equal(t, false, nobody["exists"])

	_, err = kvctl(t, addr, "rm", "alice")
	require.NoError(t, err)
	out, err = kvctl(t, addr, "get", "alice")
	require.NoError(t, err)
	assert.Equal(t, false, parseEntry(t, strings.TrimSpace(out))["exists"])
}

func TestIncrAndKeys(t *testing.T) {
	addr := startServer(t)

	_, err := kvctl(t, addr, "incr", "hits", "3")
	require.NoError(t, err)
	out, err := kvctl(t, addr, "incr", "hits", "4")
	require.NoError(t, err)
	assert.Equal(t, "7\n", out)

	_, err = kvctl(t, addr, "incr", "hits", "1.5")
	assert.Error(t, err)

	_, err = kvctl(t, addr, "set", "misses", "0")
	require.NoError(t, err)

	out, err = kvctl(t, addr, "keys", "-page", "1")
	require.NoError(t, err)
	assert.Equal(t, "hits\nmisses\n", out)

	out, err = kvctl(t, addr, "keys", "-prefix", "mi")
	require.NoError(t, err)
	assert.Equal(t, "misses\n", out)
}

func TestVersions(t *testing.T) {
	addr := startServer(t)

	v1, err := kvctl(t, addr, "set", "k", `"one"`)
	require.NoError(t, err)
	_, err = kvctl(t, addr, "set", "k", `"two"`)
	require.NoError(t, err)

	out, err := kvctl(t, addr, "versions", "-desc", "k")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	out, err = kvctl(t, addr, "get-version", "k", strings.TrimSpace(v1))
	require.NoError(t, err)
	assert.Equal(t, "one", parseEntry(t, strings.TrimSpace(out))["value"])

	_, err = kvctl(t, addr, "rm-version", "k", strings.TrimSpace(v1))
	require.NoError(t, err)
	_, err = kvctl(t, addr, "get-version", "k", strings.TrimSpace(v1))
	assert.ErrorIs(t, err, storage.ErrVersionNotFound)
}

func TestUsageErrors(t *testing.T) {
	addr := startServer(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"set without value", []string{"set", "k"}},
		{"set bad json", []string{"set", "k", "{nope"}},
		{"incr bad delta", []string{"incr", "k", "many"}},
		{"get without keys", []string{"get"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := kvctl(t, addr, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestMissingStoreName(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"get", "k"}, &stdout, &stderr)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}
