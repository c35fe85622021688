package agent

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stormcloud/backup/pkg/events"
	"github.com/stormcloud/backup/pkg/transport"
	"github.com/stormcloud/backup/pkg/types"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// fakeUploader is an in-memory Uploader double, avoiding a real HTTP
// round trip so the orchestrator's loop logic can be exercised
// deterministically.
type fakeUploader struct {
	mu sync.Mutex

	uploaded map[string][]byte
	keepalives int
	restoreQueue []transport.RestoreQueueItem
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploaded: make(map[string][]byte)}
}

func (f *fakeUploader) UploadSmall(ctx context.Context, clientPath string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(content))
	copy(cp, content)
	f.uploaded[clientPath] = cp
	return nil
}

func (f *fakeUploader) UploadStream(ctx context.Context, clientPath string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return f.UploadSmall(ctx, clientPath, data)
}

func (f *fakeUploader) Restore(ctx context.Context, clientPath, versionID string, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploaded[clientPath], nil
}

func (f *fakeUploader) RestoreComplete(ctx context.Context, clientPath string) error {
	return nil
}

func (f *fakeUploader) Keepalive(ctx context.Context) (*transport.KeepaliveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
	return &transport.KeepaliveResult{RestoreQueue: f.restoreQueue}, nil
}

func writeSettings(t *testing.T, path string, s *types.Settings) {
	t.Helper()
	data, err := yaml.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func newTestOrchestrator(t *testing.T, fake *fakeUploader) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "settings.yaml")

	o, err := New(Config{
		SettingsPath:  settingsPath,
		HashDBPath:    filepath.Join(dir, "schash.db"),
		HistoryDBPath: filepath.Join(dir, "history.db"),
		ManifestDir:   filepath.Join(dir, "manifest"),
		TickInterval:  20 * time.Millisecond,
		NewClient: func(serverURL, apiKey, agentID string) Uploader {
			return fake
		},
	}, events.NewBroker())
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o, dir
}

func TestRunCycleUploadsChangedFilesOnly(t *testing.T) {
	fake := newFakeUploader()
	o, dir := newTestOrchestrator(t, fake)

	backupDir := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(backupDir, 0755))
	filePath := filepath.Join(backupDir, "a.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("v1"), 0644))

	s := &types.Settings{
		APIKey:      "key",
		AgentID:     "agent",
		BackupMode:  types.BackupModeRealtime,
		BackupPaths: []string{backupDir},
	}

	o.runCycle(context.Background(), s, types.SourceRealtime)
	require.Equal(t, []byte("v1"), fake.uploaded[filePath])

	delete(fake.uploaded, filePath)
	o.runCycle(context.Background(), s, types.SourceRealtime)
	_, reuploaded := fake.uploaded[filePath]
	require.False(t, reuploaded, "unchanged file must not be re-uploaded")
}

func TestTickDispatchesRealtimeCycleEachTick(t *testing.T) {
	fake := newFakeUploader()
	o, dir := newTestOrchestrator(t, fake)

	backupDir := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(backupDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(backupDir, "a.txt"), []byte("hi"), 0644))

	writeSettings(t, o.cfg.SettingsPath, &types.Settings{
		APIKey:      "key",
		AgentID:     "agent",
		BackupMode:  types.BackupModeRealtime,
		BackupPaths: []string{backupDir},
	})

	o.tick(context.Background())
	require.Len(t, fake.uploaded, 1)

	manifests, err := os.ReadDir(o.cfg.ManifestDir)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
}

func TestKeepaliveWorkerRestartsAfterCrash(t *testing.T) {
	fake := newFakeUploader()
	o, _ := newTestOrchestrator(t, fake)

	stop := make(chan struct{})
	done := make(chan struct{})
	close(done) // simulate a worker that already exited unexpectedly

	o.keepaliveMu.Lock()
	o.keepaliveStop = stop
	o.keepaliveDone = done
	o.keepaliveMu.Unlock()

	s := &types.Settings{APIKey: "key", AgentID: "agent", KeepaliveFreqSeconds: 1}
	o.ensureKeepaliveWorker(s)

	o.keepaliveMu.Lock()
	newDone := o.keepaliveDone
	o.keepaliveMu.Unlock()
	require.NotEqual(t, done, newDone, "a crashed worker must be replaced")

	o.stopKeepaliveWorker()
}

func TestKeepaliveWorkerRestartsOnFrequencyChange(t *testing.T) {
	fake := newFakeUploader()
	o, _ := newTestOrchestrator(t, fake)

	o.ensureKeepaliveWorker(&types.Settings{APIKey: "key", AgentID: "agent", KeepaliveFreqSeconds: 60})
	o.keepaliveMu.Lock()
	firstDone := o.keepaliveDone
	o.keepaliveMu.Unlock()

	o.ensureKeepaliveWorker(&types.Settings{APIKey: "key", AgentID: "agent", KeepaliveFreqSeconds: 5})
	o.keepaliveMu.Lock()
	secondDone := o.keepaliveDone
	secondFreq := o.keepaliveFreq
	o.keepaliveMu.Unlock()

	require.NotEqual(t, firstDone, secondDone, "a frequency change must restart the worker")
	require.Equal(t, 5, secondFreq)

	o.stopKeepaliveWorker()
}

func TestPingOnceDrainsRestoreQueue(t *testing.T) {
	fake := newFakeUploader()
	o, _ := newTestOrchestrator(t, fake)

	fake.uploaded["/restored.txt"] = []byte("payload")
	fake.restoreQueue = []transport.RestoreQueueItem{{FilePath: "/restored.txt"}}

	o.pingOnce(fake)
	require.Equal(t, 1, fake.keepalives)
}

func TestManifestPruneKeepsOnlyMostRecent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 15; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName(i)), []byte("[]"), 0644))
	}
	require.NoError(t, pruneManifests(dir, 10))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 10)
}

func manifestName(i int) string {
	t := time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC)
	return "file_metadata_" + t.Format(manifestTimeLayout) + ".json"
}
