package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/database"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBackupEnv(t *testing.T) (*BackupService, *clock.Fixed, string) {
	t.Helper()

	dataDir := t.TempDir()
	db, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, "core.db"),
		Profile: database.ProfileStandard,
		Name:    "core",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	backupDir := filepath.Join(dataDir, "backups")
	require.NoError(t, os.MkdirAll(backupDir, 0o755))

	clk := clock.NewFixed(time.Date(2026, 5, 1, 2, 0, 0, 0, time.UTC))
	svc := NewBackupService(map[string]*database.DB{"core": db}, nil, backupDir, 7, clk, zerolog.Nop())
	return svc, clk, backupDir
}

func TestCreateBackupPacksSnapshotsAndManifest(t *testing.T) {
	svc, _, _ := setupBackupEnv(t)

	archivePath, err := svc.CreateBackup()
	require.NoError(t, err)
	assert.Equal(t, "bastion-backup-2026-05-01-020000.tar.gz", filepath.Base(archivePath))

	names, metadata := readArchive(t, archivePath)
	assert.Contains(t, names, "core.db")
	assert.Contains(t, names, "backup-metadata.json")

	require.Len(t, metadata.Databases, 1)
	assert.Equal(t, "core", metadata.Databases[0].Name)
	assert.Contains(t, metadata.Databases[0].Checksum, "sha256:")
	assert.Greater(t, metadata.Databases[0].SizeBytes, int64(0))

	// Staging area is cleaned up
	_, err = os.Stat(filepath.Join(filepath.Dir(archivePath), "staging"))
	assert.True(t, os.IsNotExist(err))
}

func TestListBackupsLocalNewestFirst(t *testing.T) {
	svc, clk, _ := setupBackupEnv(t)

	_, err := svc.CreateBackup()
	require.NoError(t, err)
	clk.Advance(time.Hour)
	_, err = svc.CreateBackup()
	require.NoError(t, err)

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.True(t, backups[0].Timestamp.After(backups[1].Timestamp))
	assert.EqualValues(t, 0, backups[0].AgeHours)
	assert.EqualValues(t, 1, backups[1].AgeHours)
}

func TestLocalRotationKeepsNewestThree(t *testing.T) {
	svc, clk, backupDir := setupBackupEnv(t)

	// Five dailies spanning beyond the 7-day retention
	for i := 0; i < 5; i++ {
		_, err := svc.CreateBackup()
		require.NoError(t, err)
		clk.Advance(4 * 24 * time.Hour)
	}

	require.NoError(t, svc.rotateLocal())

	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	archives := 0
	for _, e := range entries {
		if _, ok := parseBackupName(e.Name()); ok {
			archives++
		}
	}
	assert.Equal(t, 3, archives)
}

func TestParseBackupName(t *testing.T) {
	ts, ok := parseBackupName("bastion-backup-2026-05-01-020000.tar.gz")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 1, 2, 0, 0, 0, time.UTC), ts)

	_, ok = parseBackupName("something-else.tar.gz")
	assert.False(t, ok)
	_, ok = parseBackupName("bastion-backup-garbage.tar.gz")
	assert.False(t, ok)
}

// readArchive extracts the member names and the manifest from a backup
func readArchive(t *testing.T, path string) ([]string, BackupMetadata) {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gr)

	var names []string
	var metadata BackupMetadata
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		if hdr.Name == "backup-metadata.json" {
			require.NoError(t, json.NewDecoder(tr).Decode(&metadata))
		}
	}
	return names, metadata
}
