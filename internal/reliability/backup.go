package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/database"
	"github.com/rs/zerolog"
)

const (
	backupPrefix     = "bastion-backup-"
	backupTimeLayout = "2006-01-02-150405"
	// minBackupsKept backups survive rotation regardless of age
	minBackupsKept = 3
)

// BackupMetadata describes one backup archive
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes a single database inside a backup
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarises a stored backup for the API
type BackupInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService snapshots every database into a checksummed tar.gz archive
// and ships it to the object store. Snapshots use VACUUM INTO, so live
// connections keep working while the copy is taken. A nil store keeps
// backups local-only.
type BackupService struct {
	databases     map[string]*database.DB
	store         *ObjectStore
	backupDir     string
	retentionDays int
	clk           clock.Clock
	log           zerolog.Logger
}

// NewBackupService creates the backup service. backupDir holds local
// archives and the staging area.
func NewBackupService(
	databases map[string]*database.DB,
	store *ObjectStore,
	backupDir string,
	retentionDays int,
	clk clock.Clock,
	log zerolog.Logger,
) *BackupService {
	return &BackupService{
		databases:     databases,
		store:         store,
		backupDir:     backupDir,
		retentionDays: retentionDays,
		clk:           clk,
		log:           log.With().Str("service", "backup").Logger(),
	}
}

// Run creates a backup archive, uploads it when a store is configured, and
// rotates old backups
func (s *BackupService) Run(ctx context.Context) error {
	archivePath, err := s.CreateBackup()
	if err != nil {
		return err
	}

	if s.store != nil {
		if err := s.upload(ctx, archivePath); err != nil {
			return err
		}
		if err := s.RotateRemote(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Remote backup rotation failed")
		}
	}

	if err := s.rotateLocal(); err != nil {
		s.log.Warn().Err(err).Msg("Local backup rotation failed")
	}
	return nil
}

// CreateBackup snapshots every database and packs the snapshots plus a
// metadata file into a tar.gz under the backup directory. Returns the
// archive path.
func (s *BackupService) CreateBackup() (string, error) {
	start := time.Now()
	s.log.Info().Msg("Starting backup")

	stagingDir := filepath.Join(s.backupDir, "staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	metadata := BackupMetadata{
		Timestamp: s.clk.Now().UTC(),
		Databases: make([]DatabaseMetadata, 0, len(names)),
	}

	var files []string
	for _, name := range names {
		snapshotPath := filepath.Join(stagingDir, name+".db")

		s.log.Debug().Str("database", name).Msg("Snapshotting database")
		if err := s.databases[name].BackupTo(snapshotPath); err != nil {
			return "", fmt.Errorf("failed to snapshot %s: %w", name, err)
		}

		info, err := os.Stat(snapshotPath)
		if err != nil {
			return "", fmt.Errorf("failed to stat %s snapshot: %w", name, err)
		}
		checksum, err := checksumFile(snapshotPath)
		if err != nil {
			return "", fmt.Errorf("failed to checksum %s snapshot: %w", name, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  name + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, snapshotPath)
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}
	files = append(files, metadataPath)

	archiveName := backupPrefix + metadata.Timestamp.Format(backupTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(s.backupDir, archiveName)
	if err := createArchive(archivePath, files); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}

	s.log.Info().
		Str("archive", archiveName).
		Int64("size_bytes", info.Size()).
		Dur("duration", time.Since(start)).
		Int("databases", len(metadata.Databases)).
		Msg("Backup created")
	return archivePath, nil
}

// ListBackups lists backups in the object store, newest first
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	if s.store == nil {
		return s.listLocal()
	}

	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	now := s.clk.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		ts, ok := parseBackupName(obj.Key)
		if !ok {
			continue
		}
		backups = append(backups, BackupInfo{
			Filename:  obj.Key,
			Timestamp: ts,
			SizeBytes: obj.Size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateRemote deletes stored backups older than the retention period,
// always keeping the newest few regardless of age. Retention zero keeps
// everything.
func (s *BackupService) RotateRemote(ctx context.Context) error {
	if s.store == nil || s.retentionDays <= 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsKept {
		return nil
	}

	cutoff := s.clk.Now().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsKept || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, b.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", b.Filename).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.log.Info().
			Int("deleted", deleted).
			Int("remaining", len(backups)-deleted).
			Msg("Backup rotation completed")
	}
	return nil
}

// upload ships an archive to the object store
func (s *BackupService) upload(ctx context.Context, archivePath string) error {
	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	return s.store.Upload(ctx, filepath.Base(archivePath), f, info.Size())
}

// listLocal lists archives on disk, newest first
func (s *BackupService) listLocal() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	now := s.clk.Now()
	var backups []BackupInfo
	for _, entry := range entries {
		ts, ok := parseBackupName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Filename:  entry.Name(),
			Timestamp: ts,
			SizeBytes: info.Size(),
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// rotateLocal applies the same retention to on-disk archives
func (s *BackupService) rotateLocal() error {
	if s.retentionDays <= 0 {
		return nil
	}

	backups, err := s.listLocal()
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsKept {
		return nil
	}

	cutoff := s.clk.Now().AddDate(0, 0, -s.retentionDays)
	for i, b := range backups {
		if i < minBackupsKept || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.backupDir, b.Filename)); err != nil {
			s.log.Warn().Err(err).Str("filename", b.Filename).Msg("Failed to remove local backup")
		}
	}
	return nil
}

// parseBackupName extracts the timestamp from a backup archive name
func parseBackupName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, ".tar.gz") {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), ".tar.gz")
	ts, err := time.Parse(backupTimeLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// checksumFile returns the sha256 of a file, prefixed with the algorithm
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// writeMetadata writes the backup manifest as indented JSON
func writeMetadata(path string, metadata BackupMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(metadata)
}

// createArchive packs the files into a tar.gz at archivePath
func createArchive(archivePath string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	for _, path := range files {
		if err := addToArchive(tw, path); err != nil {
			return err
		}
	}
	return nil
}

func addToArchive(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	header := &tar.Header{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Mode:    0o644,
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to write %s into archive: %w", path, err)
	}
	return nil
}
