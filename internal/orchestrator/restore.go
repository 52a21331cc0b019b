// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package orchestrator

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/dbvault/backupd/internal/engineerr"
	"github.com/dbvault/backupd/internal/logging"
	"github.com/dbvault/backupd/internal/procsup"
	"github.com/dbvault/backupd/internal/progressparse"
	"github.com/dbvault/backupd/internal/store"
)

// StartRestore creates and drives a restore job against an existing
// artifact, per §4.9: no Compressing phase, Running → Completed|Failed|
// Cancelled. For create-new mode, preflight's capability probe must pass
// before the loader spawns.
func (o *Orchestrator) StartRestore(ctx context.Context, artifact *store.Artifact, conn *store.Connection, mode, newDBName string) (*store.Job, error) {
	job := &store.Job{
		ID:                uuid.New().String(),
		Type:              store.JobTypeRestore,
		Status:            store.StatusPending,
		UsedDatabase:      artifact.UsedDatabase,
		RestoreArtifactID: &artifact.ID,
		RestoreMode:       mode,
		RestoreNewDBName:  newDBName,
	}
	if err := o.gateway.CreateJobIfNoConflict(ctx, job); err != nil {
		return nil, err
	}

	go o.runRestore(context.Background(), job, artifact, conn, mode, newDBName)
	return job, nil
}

func (o *Orchestrator) runRestore(ctx context.Context, job *store.Job, artifact *store.Artifact, conn *store.Connection, mode, newDBName string) {
	defer func() {
		if r := recover(); r != nil {
			o.fail(ctx, job.ID, engineerr.New(engineerr.KindInternalInvariant, fmt.Sprintf("panic: %v", r)))
		}
	}()

	now := time.Now().UTC()
	if err := o.gateway.TransitionJob(ctx, job.ID, store.StatusRunning, map[string]interface{}{"started_at": &now}); err != nil {
		o.logger.Error("transitioning restore job to running", "job_id", job.ID, "error", err)
		return
	}
	o.emit(logging.LevelInfo, job.ID, "restore job started")

	if mode == store.RestoreModeCreateNew {
		tgt, err := buildTarget(conn, conn.DefaultDatabase)
		if err != nil {
			o.fail(ctx, job.ID, err)
			return
		}
		canCreate, err := o.prober.CanCreateDatabase(ctx, tgt)
		if err != nil {
			o.fail(ctx, job.ID, err)
			return
		}
		if !canCreate {
			o.fail(ctx, job.ID, engineerr.New(engineerr.KindPreflightFailure, "connection lacks database-creation privilege"))
			return
		}
	}

	sourceDir := filepath.Join(o.paths.BackupDir, ".restore-"+job.ID)
	if err := os.MkdirAll(sourceDir, 0o755); err != nil {
		o.fail(ctx, job.ID, engineerr.Wrap(engineerr.KindFilesystemFailure, "creating restore work directory", err))
		return
	}
	defer os.RemoveAll(sourceDir)

	if err := extractArchive(artifact.FilePath, sourceDir); err != nil {
		o.fail(ctx, job.ID, engineerr.Wrap(engineerr.KindCorruptArtifact, "extracting archive", err))
		return
	}

	logDir := filepath.Join(o.paths.LogDir, job.ID)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		o.fail(ctx, job.ID, engineerr.Wrap(engineerr.KindFilesystemFailure, "creating job log directory", err))
		return
	}

	args := buildRestoreArgs(conn, sourceDir, newDBName)
	if o.logger.Enabled(ctx, slog.LevelDebug) {
		o.logger.Debug("starting loader", "job_id", job.ID, "args", sanitizeArgv(args))
	}
	sup := procsup.New(procsup.Spec{
		Path:        o.paths.LoaderBin,
		Args:        args,
		StdoutPath:   filepath.Join(logDir, "stdout.log"),
		StderrPath:   filepath.Join(logDir, "stderr.log"),
		CancelGrace:  o.grace,
		MaxLineBytes: o.paths.MaxLineBytes,
	})

	if err := sup.Start(ctx); err != nil {
		o.fail(ctx, job.ID, engineerr.Wrap(engineerr.KindExternalToolFailure, "starting loader", err))
		return
	}
	o.registerSupervisor(job.ID, sup)
	defer o.unregisterSupervisor(job.ID)

	state := progressparse.NewState()
	gate := progressparse.NewPersistGate(5)
	var lastErrorLine string

	for line := range sup.Lines() {
		state.Fold(line.Text, time.Now().UTC())
		if progressparse.ClassifyLevel(line.Text) == progressparse.LevelError {
			lastErrorLine = line.Text
		}
		if gate.ShouldPersist(state) {
			_ = o.gateway.UpdateJobProgress(ctx, job.ID, state.Percent)
		}
	}

	res, waitErr := sup.Wait()
	if waitErr != nil {
		if res.Cancelled {
			_ = o.gateway.TransitionJob(ctx, job.ID, store.StatusCancelled, map[string]interface{}{"completed_at": timeNowPtr()})
			o.emit(logging.LevelWarn, job.ID, "restore job cancelled")
			return
		}
		msg := lastErrorLine
		if msg == "" {
			msg = waitErr.Error()
		}
		o.fail(ctx, job.ID, engineerr.Wrap(engineerr.KindExternalToolFailure, msg, waitErr))
		return
	}
	if res.Cancelled {
		_ = o.gateway.TransitionJob(ctx, job.ID, store.StatusCancelled, map[string]interface{}{"completed_at": timeNowPtr()})
		o.emit(logging.LevelWarn, job.ID, "restore job cancelled")
		return
	}

	completedAt := time.Now().UTC()
	_ = o.gateway.TransitionJob(ctx, job.ID, store.StatusCompleted, map[string]interface{}{
		"progress": 100, "completed_at": &completedAt,
	})
	o.emit(logging.LevelInfo, job.ID, "restore job completed")
}

// extractArchive inflates the artifact's tar/tar.gz/tar.zst into destDir,
// auto-detecting the compression from the file extension.
func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	switch filepath.Ext(archivePath) {
	case ".gz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	case ".zst":
		dec, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer dec.Close()
		r = dec
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, hdr.Name)
		if target != destDir && !strings.HasPrefix(target, destDir+string(filepath.Separator)) {
			return fmt.Errorf("archive entry %q escapes restore directory", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}
