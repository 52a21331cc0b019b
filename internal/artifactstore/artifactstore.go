// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package artifactstore seals a job's dump directory into a single
// compressed archive and manages the on-disk artifact tree described in
// SPEC_FULL.md §3/§6. The atomic seal (temp file → rename) is grounded on
// the teacher's internal/server/storage.go AtomicWriter; gzip compression
// runs through klauspost/pgzip (a drop-in parallel gzip.Writer, spreading
// the dump directory's compression across cores the way the teacher's own
// pgzip dependency is meant for), zstd through klauspost/compress/zstd.
package artifactstore

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/dbvault/backupd/internal/engineerr"
)

// Compression selects the archive's compressor.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// extensionFor returns the file extension for a Compression choice.
func extensionFor(c Compression) string {
	switch c {
	case CompressionGzip:
		return "gz"
	case CompressionZstd:
		return "zst"
	default:
		return "tar"
	}
}

var sanitizeReplacer = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_", `"`, "_", "<", "_", ">", "_", "|", "_",
)

// Sanitize maps the reserved filesystem characters
// `/ \ : * ? " < > |` to `_`, matching spec §3's directory-naming rule.
// Idempotent: Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(s string) string {
	return sanitizeReplacer.Replace(s)
}

// Metadata is the sidecar restore descriptor written next to every sealed
// archive; it is the authoritative restore descriptor, with persistence
// rows derived and rebuildable from it (spec §4.7).
type Metadata struct {
	JobID        string      `json:"job_id"`
	TaskID       string      `json:"task_id,omitempty"`
	ConnectionID string      `json:"connection_id,omitempty"`
	UsedDatabase string      `json:"used_database"`
	CreatedAt    time.Time   `json:"created_at"`
	Compression  Compression `json:"compression"`
	BackupKind   string      `json:"backup_kind"`
}

// Store manages the backup root directory.
type Store struct {
	backupRoot string
}

// New constructs a Store rooted at backupRoot (<root>/backups).
func New(backupRoot string) *Store {
	return &Store{backupRoot: backupRoot}
}

// Name computes the directory stem for an artifact:
// <sanitized-connection-name>-<sanitized-database-name>-<uuid>.
func Name(connectionName, databaseName, id string) string {
	return fmt.Sprintf("%s-%s-%s", Sanitize(connectionName), Sanitize(databaseName), id)
}

// Dir returns the absolute artifact directory path for a given name.
func (s *Store) Dir(name string) string {
	return filepath.Join(s.backupRoot, name)
}

// Seal archives sourceDir (a job's dump output directory) into
// <backupRoot>/<name>/<name>.tar.<ext>, writing the sidecar metadata.json,
// using an atomic temp-file-then-rename sequence so a crash mid-write never
// leaves a file at the final path, mirroring AtomicWriter.Commit/Abort. A
// disk-full error aborts and removes the partial archive.
func (s *Store) Seal(sourceDir, name string, compression Compression, meta Metadata) (archivePath string, size int64, err error) {
	dir := s.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, engineerr.Wrap(engineerr.KindFilesystemFailure, "creating artifact directory", err)
	}

	ext := extensionFor(compression)
	finalPath := filepath.Join(dir, fmt.Sprintf("%s.tar.%s", name, ext))

	tmp, err := os.CreateTemp(dir, "seal-*.tmp")
	if err != nil {
		return "", 0, engineerr.Wrap(engineerr.KindFilesystemFailure, "creating temp archive", err)
	}
	tmpPath := tmp.Name()

	if err := writeArchive(tmp, sourceDir, compression); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", 0, engineerr.Wrap(engineerr.KindFilesystemFailure, "sealing archive", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", 0, engineerr.Wrap(engineerr.KindFilesystemFailure, "flushing archive", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, engineerr.Wrap(engineerr.KindFilesystemFailure, "closing archive", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, engineerr.Wrap(engineerr.KindFilesystemFailure, "renaming temp to final archive", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return "", 0, engineerr.Wrap(engineerr.KindFilesystemFailure, "stat-ing sealed archive", err)
	}

	meta.CreatedAt = meta.CreatedAt.UTC()
	meta.Compression = compression
	if err := s.writeMetadata(dir, meta); err != nil {
		return "", 0, err
	}

	return finalPath, info.Size(), nil
}

func (s *Store) writeMetadata(dir string, meta Metadata) error {
	f, err := os.Create(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return engineerr.Wrap(engineerr.KindFilesystemFailure, "creating metadata.json", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return engineerr.Wrap(engineerr.KindFilesystemFailure, "writing metadata.json", err)
	}
	return nil
}

// ReadMetadata loads the sidecar metadata.json for an artifact directory.
func (s *Store) ReadMetadata(name string) (Metadata, error) {
	var meta Metadata
	f, err := os.Open(filepath.Join(s.Dir(name), "metadata.json"))
	if err != nil {
		return meta, engineerr.Wrap(engineerr.KindFilesystemFailure, "opening metadata.json", err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return meta, engineerr.Wrap(engineerr.KindCorruptArtifact, "decoding metadata.json", err)
	}
	return meta, nil
}

// writeArchive tars sourceDir's contents through the chosen compressor into
// w. Directory entries are walked in lexical order for deterministic output.
func writeArchive(w io.Writer, sourceDir string, compression Compression) error {
	var cw io.WriteCloser
	switch compression {
	case CompressionGzip:
		cw = pgzip.NewWriter(w)
	case CompressionZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("constructing zstd writer: %w", err)
		}
		cw = enc
	default:
		cw = nopWriteCloser{w}
	}

	tw := tar.NewWriter(cw)

	err := filepath.Walk(sourceDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return cw.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Delete removes both the archive directory and its contents, then reports
// success; missing files are ignored with existed=false rather than failing,
// making deletion idempotent (spec §4.7).
func (s *Store) Delete(name string) (existed bool, err error) {
	dir := s.Dir(name)
	if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
		return false, nil
	} else if statErr != nil {
		return false, engineerr.Wrap(engineerr.KindFilesystemFailure, "stat-ing artifact directory", statErr)
	}

	if err := os.RemoveAll(dir); err != nil {
		return true, engineerr.Wrap(engineerr.KindFilesystemFailure, "removing artifact directory", err)
	}
	return true, nil
}

// RescanEntry is one directory discovered during Rescan, paired with its
// decoded metadata (or an error if the sidecar was missing/corrupt).
type RescanEntry struct {
	Name         string
	ArchivePath  string
	Metadata     Metadata
	MetadataErr  error
}

// Rescan walks the backup root and returns, for each directory, its name,
// archive path and decoded sidecar metadata.json (the directory name itself
// is not split back into its parts), letting callers rebuild persistence rows from disk state after a crash or
// manual intervention (spec §4.7 "rows... may be rebuilt from sidecars").
func (s *Store) Rescan() ([]RescanEntry, error) {
	entries, err := os.ReadDir(s.backupRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindFilesystemFailure, "reading backup root", err)
	}

	var out []RescanEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		archivePath, findErr := findArchive(s.Dir(name), name)
		re := RescanEntry{Name: name, ArchivePath: archivePath}
		if findErr != nil {
			re.MetadataErr = findErr
			out = append(out, re)
			continue
		}
		meta, metaErr := s.ReadMetadata(name)
		re.Metadata = meta
		re.MetadataErr = metaErr
		out = append(out, re)
	}
	return out, nil
}

// findArchive locates the archive file whose stem matches the directory
// name, per the invariant in spec §6 ("the archive filename within the
// directory must match the directory stem").
func findArchive(dir, name string) (string, error) {
	for _, ext := range []string{"gz", "zst", "tar"} {
		candidate := filepath.Join(dir, fmt.Sprintf("%s.tar.%s", name, ext))
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no archive matching directory stem %q found in %s", name, dir)
}

// NewID returns a fresh artifact identifier, matching the pack-wide
// convention of UUIDv4 identifiers for jobs/artifacts.
func NewID() string {
	return uuid.New().String()
}
