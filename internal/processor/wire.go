package processor

import (
	"fmt"

	"meeting-pipeline-go/internal/config"
	"meeting-pipeline-go/internal/logger"
	"meeting-pipeline-go/internal/objectstore"
	"meeting-pipeline-go/internal/pipeline"
	"meeting-pipeline-go/internal/store"
	"meeting-pipeline-go/internal/transcoder"
	"meeting-pipeline-go/internal/transcription"
)

// Open builds a service from configuration: JSON task store with a
// background persister, ffmpeg, the object store and the transcription
// backend. Shutdown flushes and closes the persister.
func Open(cfg config.Config, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.New()
	}
	st, err := store.Open(cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	persister := store.NewPersister(st, log)

	var objects objectstore.Store
	if cfg.ObjectStoreEndpoint != "" {
		objects = objectstore.NewHTTP(cfg.ObjectStoreEndpoint, cfg.ObjectStoreToken, cfg.HTTPTimeout, log)
	} else {
		log.WithField("dir", cfg.ObjectStoreDir).Warn("no object store endpoint, uploading to local directory")
		objects = objectstore.NewDir(cfg.ObjectStoreDir)
	}

	remote := transcription.NewClient(cfg.TranscribeURL, cfg.TranscribeAPIKey, cfg.HTTPTimeout).WithLogger(log)
	exec := pipeline.NewExecutor(
		transcoder.NewFFmpeg(cfg.FFmpegPath, log),
		objects,
		remote,
		cfg.ObjectStorePrefix,
		log,
	)

	svc := New(st, persister, exec, cfg.Workers, log,
		pipeline.WithPollInterval(cfg.PollInterval),
		pipeline.WithPollAttempts(cfg.PollMaxAttempts),
	)
	svc.closers = append(svc.closers, persister.Close)
	return svc, nil
}
