package agent

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/stormcloud/backup/pkg/backupstate"
	"github.com/stormcloud/backup/pkg/drivemonitor"
	"github.com/stormcloud/backup/pkg/events"
	"github.com/stormcloud/backup/pkg/hashindex"
	"github.com/stormcloud/backup/pkg/history"
	"github.com/stormcloud/backup/pkg/log"
	"github.com/stormcloud/backup/pkg/metrics"
	"github.com/stormcloud/backup/pkg/restore"
	"github.com/stormcloud/backup/pkg/schedule"
	"github.com/stormcloud/backup/pkg/settings"
	"github.com/stormcloud/backup/pkg/transport"
	"github.com/stormcloud/backup/pkg/types"
)

// streamThreshold is the file size above which uploadFile streams from
// disk instead of buffering the whole file in memory.
const streamThreshold = 8 * 1024 * 1024

// defaultTickInterval matches the main loop's fixed tick.
const defaultTickInterval = 90 * time.Second

// cycleTimeout bounds how long a single backup cycle may run before
// check_timeout force-completes it as failed.
const cycleTimeout = time.Hour

// defaultMaxManifests is how many manifest snapshots are retained.
const defaultMaxManifests = 10

// Uploader is the subset of transport.Client the orchestrator depends
// on, narrowed so tests can substitute a fake. It is a superset of
// restore.Puller so the same value drives both upload and restore.
type Uploader interface {
	restore.Puller
	Keepalive(ctx context.Context) (*transport.KeepaliveResult, error)
	UploadSmall(ctx context.Context, clientPath string, content []byte) error
	UploadStream(ctx context.Context, clientPath string, r io.Reader, size int64) error
}

// ClientFactory builds an Uploader for the given credentials. Production
// code points this at transport.NewClient; tests substitute a fake.
type ClientFactory func(serverURL, apiKey, agentID string) Uploader

// Config configures an Orchestrator.
type Config struct {
	SettingsPath  string
	HashDBPath    string
	HistoryDBPath string
	ManifestDir   string
	IgnoreHashDB  bool // bypass change detection, uploading every discovered file
	TickInterval  time.Duration
	MaxManifests  int
	NewClient     ClientFactory
	Mounts        drivemonitor.MountLister
}

// Orchestrator runs the agent's main loop.
type Orchestrator struct {
	cfg    Config
	hashes *hashindex.Index
	hist   *history.Store
	state  *backupstate.Machine
	broker *events.Broker
	drive  *drivemonitor.Monitor

	lastCheck time.Time

	keepaliveMu   sync.Mutex
	keepaliveStop chan struct{}
	keepaliveDone chan struct{}
	keepaliveFreq int

	clientMu      sync.Mutex
	client        Uploader
	clientAPIKey  string
	clientAgentID string
}

// New opens the Hash Index and History Store at the configured paths
// and returns a ready-to-run Orchestrator. Callers own shutdown via
// Close after Run's context is cancelled.
func New(cfg Config, broker *events.Broker) (*Orchestrator, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.MaxManifests <= 0 {
		cfg.MaxManifests = defaultMaxManifests
	}
	if cfg.NewClient == nil {
		cfg.NewClient = defaultClientFactory
	}

	hashes, err := hashindex.Open(cfg.HashDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening hash index: %w", err)
	}
	hist, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		hashes.Close()
		return nil, fmt.Errorf("opening history store: %w", err)
	}

	o := &Orchestrator{
		cfg:    cfg,
		hashes: hashes,
		hist:   hist,
		state:  backupstate.New(),
		broker: broker,
	}
	if cfg.Mounts != nil {
		o.drive = drivemonitor.New(cfg.Mounts, broker, cfg.SettingsPath)
	}
	return o, nil
}

func defaultClientFactory(serverURL, apiKey, agentID string) Uploader {
	return transport.NewClient(serverURL, apiKey, agentID)
}

// Close releases the Hash Index and History Store.
func (o *Orchestrator) Close() error {
	herr := o.hashes.Close()
	if err := o.hist.Close(); err != nil {
		return err
	}
	return herr
}

// Run executes the main loop until ctx is cancelled, ticking at
// cfg.TickInterval. It returns nil on clean cancellation.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.drive != nil {
		if err := o.drive.Start(); err != nil {
			log.Logger.Error().Err(err).Msg("starting drive monitor")
		}
		defer o.drive.Stop()
	}

	o.lastCheck = time.Now()

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	o.tick(ctx)
	for {
		select {
		case <-ticker.C:
			o.tick(ctx)
		case <-ctx.Done():
			o.stopKeepaliveWorker()
			return nil
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	now := time.Now()
	s, err := settings.Load(o.cfg.SettingsPath)
	if err != nil {
		log.Logger.Error().Err(err).Msg("loading settings")
		return
	}

	o.ensureKeepaliveWorker(s)

	var ran bool
	switch s.BackupMode {
	case types.BackupModeRealtime:
		if o.state.Start(types.SourceRealtime) {
			ran = true
			o.runCycle(ctx, s, types.SourceRealtime)
		}
	case types.BackupModeScheduled:
		if due, _ := schedule.Evaluate(s.BackupSchedule, o.lastCheck, now, o.state.Snapshot().InProgress); due {
			if o.state.Start(types.SourceScheduled) {
				ran = true
				o.runCycle(ctx, s, types.SourceScheduled)
			}
		}
	}
	o.lastCheck = now

	if ran {
		if err := o.snapshotManifest(); err != nil {
			log.Logger.Error().Err(err).Msg("writing manifest snapshot")
		}
	}

	if o.state.CheckTimeout(cycleTimeout) {
		log.Logger.Warn().Msg("backup cycle exceeded timeout, forced to failed")
	}
}

// runCycle walks configured paths, uploads changed files, and records
// the outcome as a single History operation.
func (o *Orchestrator) runCycle(ctx context.Context, s *types.Settings, source types.OperationSource) {
	timer := metrics.NewTimer()
	if o.broker != nil {
		o.broker.Publish(&events.Event{Type: events.EventCycleStarted, Message: string(source)})
	}

	client := o.clientFor(s)
	opID, err := o.hist.StartOperation(types.OperationBackup, source, "")
	success := err == nil
	if err != nil {
		log.Logger.Error().Err(err).Msg("starting backup operation")
	} else {
		files := discoverFiles(s.BackupPaths, s.RecursiveBackupPaths)
		for _, f := range files {
			if err := o.processFile(ctx, client, opID, f); err != nil {
				success = false
			}
		}
		status := types.StatusSuccess
		errMsg := ""
		if !success {
			status = types.StatusFailed
			errMsg = "one or more files failed to upload"
		}
		if err := o.hist.CompleteOperation(opID, status, errMsg); err != nil {
			log.Logger.Error().Err(err).Msg("completing backup operation")
		}
	}

	o.state.Complete(success)
	metrics.CyclesTotal.WithLabelValues(string(source), string(statusLabel(success))).Inc()
	timer.ObserveDurationVec(metrics.CycleDuration, string(source))
	if o.broker != nil {
		o.broker.Publish(&events.Event{Type: events.EventCycleCompleted, Message: string(source)})
	}
}

func statusLabel(success bool) types.OperationStatus {
	if success {
		return types.StatusSuccess
	}
	return types.StatusFailed
}

// processFile consults the Hash Index and uploads f if it changed,
// recording the upload's outcome in History. An unchanged file gets
// no record.
func (o *Orchestrator) processFile(ctx context.Context, client Uploader, opID string, f discoveredFile) error {
	if o.cfg.IgnoreHashDB {
		return o.uploadAndRecord(ctx, client, opID, f, nil)
	}

	needsUpload, digest, err := o.hashes.Decide(f.path, f.size, f.mtime, func() ([]byte, error) {
		return computeDigest(f.path)
	})
	if err != nil {
		metrics.FilesFailedTotal.Inc()
		_ = o.hist.AddFileRecord(opID, f.path, types.StatusFailed, err.Error())
		return err
	}
	if !needsUpload {
		metrics.FilesSkippedTotal.Inc()
		return nil
	}
	return o.uploadAndRecord(ctx, client, opID, f, digest)
}

func (o *Orchestrator) uploadAndRecord(ctx context.Context, client Uploader, opID string, f discoveredFile, digest []byte) error {
	uploadErr := uploadFile(ctx, client, f)
	if uploadErr != nil {
		metrics.FilesFailedTotal.Inc()
		_ = o.hist.AddFileRecord(opID, f.path, types.StatusFailed, uploadErr.Error())
		return uploadErr
	}

	if digest == nil {
		var derr error
		digest, derr = computeDigest(f.path)
		if derr != nil {
			log.Logger.Error().Err(derr).Str("path", f.path).Msg("digesting uploaded file")
		}
	}
	if err := o.hashes.Record(f.path, digest, f.size, f.mtime); err != nil {
		log.Logger.Error().Err(err).Str("path", f.path).Msg("recording hash index entry")
	}
	metrics.FilesUploadedTotal.Inc()
	if err := o.hist.AddFileRecord(opID, f.path, types.StatusSuccess, ""); err != nil {
		log.Logger.Error().Err(err).Msg("recording successful upload")
	}
	if o.broker != nil {
		o.broker.Publish(&events.Event{
			Type:    events.EventFileProgress,
			Message: fmt.Sprintf("uploaded %s", f.path),
		})
	}
	return nil
}

// ensureKeepaliveWorker starts the keepalive worker if it has never run,
// its previous goroutine exited unexpectedly, or the reloaded settings
// changed its ping frequency; a clean Stop leaves keepaliveDone nil so
// it is never mistaken for a crash.
func (o *Orchestrator) ensureKeepaliveWorker(s *types.Settings) {
	o.keepaliveMu.Lock()
	defer o.keepaliveMu.Unlock()

	freq := s.KeepaliveFreqSeconds
	if freq <= 0 {
		freq = settings.DefaultKeepaliveFreqSeconds
	}

	if o.keepaliveDone != nil {
		crashed := false
		select {
		case <-o.keepaliveDone:
			crashed = true
		default:
		}
		if !crashed && freq == o.keepaliveFreq {
			return
		}
		if !crashed {
			close(o.keepaliveStop)
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	o.keepaliveStop = stop
	o.keepaliveDone = done
	o.keepaliveFreq = freq
	client := o.clientFor(s)
	go o.runKeepaliveWorker(client, freq, stop, done)
}

func (o *Orchestrator) stopKeepaliveWorker() {
	o.keepaliveMu.Lock()
	stop := o.keepaliveStop
	o.keepaliveStop = nil
	o.keepaliveDone = nil
	o.keepaliveFreq = 0
	o.keepaliveMu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (o *Orchestrator) runKeepaliveWorker(client Uploader, freqSeconds int, stop, done chan struct{}) {
	defer close(done)
	if freqSeconds <= 0 {
		freqSeconds = settings.DefaultKeepaliveFreqSeconds
	}
	ticker := time.NewTicker(time.Duration(freqSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.pingOnce(client)
		case <-stop:
			return
		}
	}
}

// pingOnce sends one keepalive and, if the server reports pending
// restores, hands them to a Restore Worker.
func (o *Orchestrator) pingOnce(client Uploader) {
	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := client.Keepalive(ctx)
	timer.ObserveDuration(metrics.KeepaliveDuration)
	if err != nil {
		log.Logger.Error().Err(err).Msg("keepalive failed")
		return
	}
	if len(result.RestoreQueue) == 0 {
		return
	}

	items := make([]restore.Item, 0, len(result.RestoreQueue))
	for _, q := range result.RestoreQueue {
		items = append(items, restore.Item{TargetPath: q.FilePath, VersionID: q.VersionID})
	}

	worker := restore.New(client, o.hist, o.broker)
	if err := worker.Run(ctx, items); err != nil {
		metrics.RestoresTotal.WithLabelValues("failed").Inc()
		log.Logger.Error().Err(err).Msg("restore worker")
		return
	}
	metrics.RestoresTotal.WithLabelValues("success").Inc()
}

// clientFor returns the cached Uploader for s's credentials, rebuilding
// it only when the api_key or agent_id changed since the last reload.
func (o *Orchestrator) clientFor(s *types.Settings) Uploader {
	o.clientMu.Lock()
	defer o.clientMu.Unlock()

	if o.client != nil && o.clientAPIKey == s.APIKey && o.clientAgentID == s.AgentID {
		return o.client
	}
	o.client = o.cfg.NewClient(s.ServerURL, s.APIKey, s.AgentID)
	o.clientAPIKey = s.APIKey
	o.clientAgentID = s.AgentID
	return o.client
}
