package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
)

const (
	snapshotFileName = "music_system_data.json"
	archivePrefix    = "music_system_full_backup_"
	archiveSuffix    = ".zip"
	archiveStamp     = "2006-01-02T15-04-05"
)

var (
	errSnapshotNotFound = errors.New("snapshot not found")
	errSnapshotBusy     = errors.New("another backup or restore is in progress")
)

// directories never worth archiving
var archiveSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// Snapshot is the on-disk form of the persisted State fields.
type Snapshot struct {
	SongQueue     []SongRequest `json:"songQueue"`
	SongHistory   []SongRequest `json:"songHistory"`
	ChatHistory   []ChatMessage `json:"chatHistory"`
	HeaderColor   string        `json:"headerColor"`
	YoutubeAPIKey string        `json:"youtubeApiKey"`
	Title         string        `json:"title,omitempty"`
	BackupDate    string        `json:"backupDate"`
}

// BackupResult describes what a backup left on disk.
type BackupResult struct {
	DataPath    string
	ArchivePath string
	Date        string
	// Warning is set when the snapshot was written but a later step was not.
	Warning string
}

// Status turns a backup outcome into the reply for the requesting session.
func (r BackupResult) Status(err error) Status {
	if errors.Is(err, errSnapshotBusy) {
		return Status{Success: false, Message: snapshotBusyMessage}
	}
	if err != nil {
		return Status{Success: false, Message: "Backup failed: " + err.Error(), DataPath: r.DataPath}
	}
	msg := "System backed up. Both the data and the deployment were archived."
	if r.ArchivePath == "" {
		msg = "System data backed up."
	}
	if r.Warning != "" {
		msg += " " + r.Warning
	}
	return Status{Success: true, Message: msg, DataPath: r.DataPath, CodePath: r.ArchivePath, Date: r.Date}
}

// Snapshots writes and reads snapshot files. A backup keeps exactly one
// snapshot file and one deployment archive per directory. Only one backup or
// restore runs at a time; an overlapping call fails with errSnapshotBusy.
type Snapshots struct {
	archiveRoot string
	offsite     ArchiveUploader

	mu sync.Mutex
}

// NewSnapshots returns a manager that archives archiveRoot alongside each
// snapshot (skipped when empty) and, when offsite is non-nil, uploads the
// fresh files there as well.
func NewSnapshots(archiveRoot string, offsite ArchiveUploader) *Snapshots {
	return &Snapshots{archiveRoot: archiveRoot, offsite: offsite}
}

// Backup writes snap into dir. When the archive step fails the snapshot file
// stays where it is and older archives are left alone.
func (s *Snapshots) Backup(ctx context.Context, dir string, snap Snapshot) (res BackupResult, err error) {
	if !s.mu.TryLock() {
		snapshotOps.WithLabelValues("backup", "busy").Inc()
		return res, errSnapshotBusy
	}
	defer s.mu.Unlock()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			log.Error().Err(err).Str("dir", dir).Msg("[musicreq] backup failed")
		}
		snapshotOps.WithLabelValues("backup", result).Inc()
	}()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res, fmt.Errorf("create backup dir: %w", err)
	}

	at, perr := time.Parse(time.RFC3339Nano, snap.BackupDate)
	if perr != nil {
		at = time.Now().UTC()
		snap.BackupDate = at.Format(time.RFC3339Nano)
	}
	res.Date = snap.BackupDate

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return res, fmt.Errorf("encode snapshot: %w", err)
	}
	res.DataPath = filepath.Join(dir, snapshotFileName)
	if err := writeFileAtomic(res.DataPath, data, 0o600); err != nil {
		return res, fmt.Errorf("write snapshot: %w", err)
	}
	log.Info().Str("path", res.DataPath).Msg("[musicreq] snapshot written")

	if s.archiveRoot != "" {
		archivePath := filepath.Join(dir, archivePrefix+at.UTC().Format(archiveStamp)+archiveSuffix)
		if err := writeArchive(ctx, s.archiveRoot, dir, archivePath); err != nil {
			_ = os.Remove(archivePath)
			return res, fmt.Errorf("archive %s: %w", s.archiveRoot, err)
		}
		res.ArchivePath = archivePath
		log.Info().Str("path", archivePath).Msg("[musicreq] deployment archived")
	}
	if err := removeOldArchives(dir, filepath.Base(res.ArchivePath)); err != nil {
		return res, err
	}

	if s.offsite != nil {
		for _, p := range []string{res.DataPath, res.ArchivePath} {
			if p == "" {
				continue
			}
			if err := s.offsite.Upload(ctx, p); err != nil {
				log.Warn().Err(err).Str("path", p).Msg("[musicreq] offsite upload failed")
				res.Warning = "Offsite upload failed."
				break
			}
		}
	}
	return res, nil
}

// Load reads the snapshot file from dir.
func (s *Snapshots) Load(dir string) (Snapshot, error) {
	var snap Snapshot
	if !s.mu.TryLock() {
		return snap, errSnapshotBusy
	}
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(dir, snapshotFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return snap, fmt.Errorf("%s: %w", dir, errSnapshotNotFound)
	}
	if err != nil {
		return snap, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func restoreFailureMessage(err error) string {
	switch {
	case errors.Is(err, errSnapshotNotFound):
		return "Backup file not found."
	case errors.Is(err, errSnapshotBusy):
		return snapshotBusyMessage
	}
	return "Restore failed: " + err.Error()
}

// writeFileAtomic replaces path with data through a temporary file in the
// same directory, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(name)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(name, perm); err != nil {
		return err
	}
	return os.Rename(name, path)
}

// removeOldArchives deletes every deployment archive in dir except keep.
func removeOldArchives(dir, keep string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list backup dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == keep {
			continue
		}
		if strings.HasPrefix(name, archivePrefix) && strings.HasSuffix(name, archiveSuffix) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("remove old backup %s: %w", name, err)
			}
			log.Debug().Str("file", name).Msg("[musicreq] old backup removed")
		}
	}
	return nil
}

// writeArchive zips root into out, leaving out the backup directory itself.
func writeArchive(ctx context.Context, root, backupDir, out string) error {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	backupAbs, err := filepath.Abs(backupDir)
	if err != nil {
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	walkErr := filepath.WalkDir(rootAbs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path == backupAbs || (path != rootAbs && archiveSkipDirs[d.Name()]) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return addFile(zw, rootAbs, path, d)
	})
	if walkErr != nil {
		_ = zw.Close()
		return walkErr
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func addFile(zw *zip.Writer, root, path string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return err
}
