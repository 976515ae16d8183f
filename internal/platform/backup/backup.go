package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// ArtifactRef identifies a verified backup snapshot on disk.
type ArtifactRef struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshotter produces a verifiable snapshot of the database before any
// import commit touches it. Implementations must fail loudly: a snapshot
// that cannot be verified is an error, never a silent no-op.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*ArtifactRef, error)
}

// pgDumpMagic is the header of a pg_dump custom-format archive.
var pgDumpMagic = []byte("PGDMP")

// PgDumpSnapshotter shells out to pg_dump in custom format and verifies the
// resulting archive before returning its reference.
type PgDumpSnapshotter struct {
	databaseURL string
	dir         string
	pgDumpPath  string
	logger      zerolog.Logger
}

func NewPgDumpSnapshotter(databaseURL, dir, pgDumpPath string, logger zerolog.Logger) *PgDumpSnapshotter {
	if pgDumpPath == "" {
		pgDumpPath = "pg_dump"
	}
	return &PgDumpSnapshotter{
		databaseURL: databaseURL,
		dir:         dir,
		pgDumpPath:  pgDumpPath,
		logger:      logger,
	}
}

func (s *PgDumpSnapshotter) Snapshot(ctx context.Context) (*ArtifactRef, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory %s: %w", s.dir, err)
	}

	ts := time.Now().UTC().Format("20060102-150405")
	path := filepath.Join(s.dir, fmt.Sprintf("ledger-%s.dump", ts))

	cmd := exec.CommandContext(ctx, s.pgDumpPath, "--format=custom", "--file="+path, s.databaseURL)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Remove the partial artifact so a broken file is never mistaken
		// for a usable snapshot.
		_ = os.Remove(path)
		return nil, fmt.Errorf("pg_dump failed: %w: %s", err, stderr.String())
	}

	ref, err := verifyArtifact(path)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	s.logger.Info().
		Str("path", ref.Path).
		Int64("size_bytes", ref.SizeBytes).
		Msg("backup snapshot created")

	return ref, nil
}

// verifyArtifact checks that the dump file is non-empty, carries the pg_dump
// archive header, and computes its checksum.
func verifyArtifact(path string) (*ArtifactRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backup artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat backup artifact: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("backup artifact %s is empty", path)
	}

	header := make([]byte, len(pgDumpMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("read backup artifact header: %w", err)
	}
	if !bytes.Equal(header, pgDumpMagic) {
		return nil, fmt.Errorf("backup artifact %s is not a pg_dump archive", path)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind backup artifact: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("checksum backup artifact: %w", err)
	}

	return &ArtifactRef{
		Path:      path,
		SizeBytes: info.Size(),
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// List returns the snapshots present in the backup directory, newest first.
func (s *PgDumpSnapshotter) List() ([]ArtifactRef, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory %s: %w", s.dir, err)
	}

	var refs []ArtifactRef
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".dump" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		refs = append(refs, ArtifactRef{
			Path:      filepath.Join(s.dir, entry.Name()),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
	}
	return refs, nil
}
