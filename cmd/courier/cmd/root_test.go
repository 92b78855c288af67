package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/courier/messaging"
	"github.com/opd-ai/courier/outbox"
	"github.com/opd-ai/courier/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a TOML config using the simulated transport and a
// file outbox in a temporary directory.
func writeConfig(t *testing.T) (configPath, storePath string) {
	t.Helper()
	dir := t.TempDir()
	storePath = filepath.Join(dir, "outbox.json")
	configPath = filepath.Join(dir, "courier.toml")
	body := fmt.Sprintf(`
[log]
level = "error"

[transport]
simulation = true

[storage]
backend = "file"
path = %q

[connectivity]
assume_online = true
`, storePath)
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o600))
	return configPath, storePath
}

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

func seedOutbox(t *testing.T, path string, ids ...string) {
	t.Helper()
	store, err := storage.OpenFileStore(path, storage.FileOptions{})
	require.NoError(t, err)
	defer store.Close()
	ob := outbox.New(store, outbox.Config{})
	for _, id := range ids {
		require.NoError(t, ob.Put(context.Background(), outbox.Record{
			ClientID:       id,
			ConversationID: "42",
			SenderID:       "7",
			Content:        "hello",
			State:          messaging.MessageStateQueued,
			IdempotencyKey: "key-" + id,
			MaxRetries:     5,
			CreatedAt:      time.Now().Add(-time.Minute),
		}))
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, context.Background(), "version")
	require.NoError(t, err)
	assert.Equal(t, "courier "+Version+"\n", out)
}

func TestOutboxListAndClear(t *testing.T) {
	configPath, storePath := writeConfig(t)
	seedOutbox(t, storePath, "m-1", "m-2")

	out, err := execute(t, context.Background(), "--config", configPath, "outbox", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "m-1")
	assert.Contains(t, out, "m-2")
	assert.Contains(t, out, "queued")
	assert.Contains(t, out, "2 record(s)")

	_, err = execute(t, context.Background(), "--config", configPath, "outbox", "clear")
	require.Error(t, err)

	out, err = execute(t, context.Background(), "--config", configPath, "outbox", "clear", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 2 record(s)")

	out, err = execute(t, context.Background(), "--config", configPath, "outbox", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "outbox is empty")
}

func TestSendWithSimulation(t *testing.T) {
	configPath, _ := writeConfig(t)

	out, err := execute(t, context.Background(), "--config", configPath,
		"send", "--conversation", "42", "--sender", "7", "--wait", "5s", "hello", "world")
	require.NoError(t, err)
	assert.Contains(t, out, "sent ")
	assert.Contains(t, out, "server_id=srv-1")
}

func TestSimulateFlagOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "courier.toml")
	body := fmt.Sprintf(`
[log]
level = "error"

[transport]
base_url = "http://127.0.0.1:1"

[storage]
backend = "file"
path = %q

[connectivity]
assume_online = true
`, filepath.Join(dir, "outbox.json"))
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o600))
	defer func() {
		simulate = false
		rootCmd.PersistentFlags().Lookup("simulate").Changed = false
	}()

	out, err := execute(t, context.Background(), "--config", configPath, "--simulate",
		"send", "-c", "42", "-s", "7", "--wait", "5s", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "server_id=srv-1")
}

func TestSendRejectsUnknownPriority(t *testing.T) {
	configPath, _ := writeConfig(t)
	defer func() { sendPriority = "normal" }()

	_, err := execute(t, context.Background(), "--config", configPath,
		"send", "-c", "42", "-s", "7", "-p", "urgent", "hello")
	require.Error(t, err)
}

func TestServeRestoresAndDrainsOutbox(t *testing.T) {
	configPath, storePath := writeConfig(t)
	seedOutbox(t, storePath, "m-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "--config", configPath, "serve")
		done <- err
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}

	store, err := storage.OpenFileStore(storePath, storage.FileOptions{})
	require.NoError(t, err)
	defer store.Close()
	records, err := outbox.New(store, outbox.Config{}).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records, "restored message should have been sent")
}
