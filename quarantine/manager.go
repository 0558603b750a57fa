// Package quarantine moves confirmed detections into a local store,
// obfuscated with a fixed repeating XOR key so a quarantined sample
// cannot be double-clicked back to life. The XOR transform is an
// anti-execution measure, not confidentiality; it is its own inverse,
// which is what makes restore possible. Changing the key would break
// restore of pre-existing quarantines.
package quarantine

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pbl4av/digest"
)

const (
	defaultFolderLimitBytes = 500 * 1024 * 1024
	defaultSafeFreeBytes    = 100 * 1024 * 1024
	busyTimeoutMS           = 5000
)

// xorKey is the fixed 8-byte obfuscation key.
var xorKey = []byte{0xAA, 0x55, 0xC3, 0x7E, 0x9A, 0x1F, 0xB6, 0x4D}

// Manager owns the quarantine database and folder. All operations are
// serialized by an instance-wide mutex.
type Manager struct {
	mu     sync.Mutex
	db     *sql.DB
	folder string
	log    *slog.Logger

	// freeBytes reports the free space on the volume holding path.
	// A field so tests can simulate low-disk conditions.
	freeBytes func(path string) (uint64, error)
}

// Open opens (creating if missing) the quarantine database and
// prepares the schema. folder is the default quarantine folder, used
// when db_info carries no override.
func Open(dbPath, folder string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", dbPath, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open quarantine db: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open quarantine db: %v", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS db_info (key TEXT PRIMARY KEY, value TEXT)`,
		`CREATE TABLE IF NOT EXISTS quarantine_files (
			id INTEGER PRIMARY KEY,
			original_path TEXT,
			stored_filename TEXT,
			stored_path TEXT,
			stored_size INTEGER,
			quarantined_at TEXT DEFAULT (datetime('now')),
			original_hash TEXT,
			hash_type TEXT DEFAULT 'sha256',
			deleted INTEGER DEFAULT 0,
			restored INTEGER DEFAULT 0,
			restored_at TEXT,
			restored_path TEXT)`,
		`CREATE TABLE IF NOT EXISTS whitelist (hash TEXT, hash_type TEXT, note TEXT, PRIMARY KEY(hash, hash_type))`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to prepare quarantine schema: %v", err)
		}
	}

	return &Manager{
		db:        db,
		folder:    folder,
		log:       log,
		freeBytes: freeBytesOnVolume,
	}, nil
}

// Shutdown closes the database handle.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		m.db.Close()
		m.db = nil
	}
}

// Quarantine moves a file into the store. The outcome is a status
// string prefixed with QUARANTINED, PRUNED_AND_QUARANTINED,
// EMERGENCY_DELETED, or ERROR.
func (m *Manager) Quarantine(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	folder := m.dbInfo("quarantine_folder_path", m.folder)
	folderLimit := m.dbInfoUint("quarantine_folder_limit_bytes", defaultFolderLimitBytes)
	safeFree := m.dbInfoUint("quarantine_safe_free_bytes", defaultSafeFreeBytes)

	if err := os.MkdirAll(folder, 0o700); err != nil {
		return fmt.Sprintf("ERROR: failed to create quarantine folder: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Sprintf("ERROR: file not found or not a regular file: %s", path)
	}
	origSize := uint64(info.Size())

	free, err := m.freeBytes(folder)
	if err != nil {
		return fmt.Sprintf("ERROR: failed to query free disk space: %v", err)
	}

	// Under the safe-free threshold the disk is too full to hold a
	// copy; remove the threat outright rather than fail open.
	if free < safeFree {
		if err := os.Remove(path); err != nil {
			return fmt.Sprintf("ERROR: failed to delete file in emergency: %v", err)
		}
		m.log.Warn("emergency delete", "path", path, "free_bytes", free, "safe_free_bytes", safeFree)
		return fmt.Sprintf("EMERGENCY_DELETED: free_bytes(%d) < safe_threshold(%d), deleted %s", free, safeFree, path)
	}

	total := m.totalQuarantineBytes(folder)

	var freed uint64
	pruned := false
	if total+origSize > folderLimit {
		needed := total + origSize - folderLimit
		var perr error
		freed, perr = m.prune(needed)
		if perr != nil {
			return fmt.Sprintf("ERROR: Unable to make room in quarantine: %v", perr)
		}
		pruned = true
	}

	storedName := makeUniqueStoredFilename(path)
	dest := filepath.Join(folder, storedName)

	written, err := xorTransformFile(path, dest)
	if err != nil {
		return fmt.Sprintf("ERROR: Failed to move file to quarantine: %v", err)
	}

	// Hash of the stored (obfuscated) bytes; restore re-derives and
	// whitelists the pre-obfuscation hash from the decoded file.
	storedHash, _ := digest.SHA256(dest)

	_, err = m.db.Exec(
		`INSERT INTO quarantine_files (original_path, stored_filename, stored_path, stored_size, original_hash, hash_type, deleted)
		 VALUES (?, ?, ?, ?, ?, 'sha256', 0)`,
		path, storedName, folder, int64(written), storedHash)
	if err != nil {
		// Remove the stored copy so a failed insert never leaves an
		// orphan on disk.
		os.Remove(dest)
		return fmt.Sprintf("ERROR: Failed to record quarantine metadata: %v", err)
	}

	m.adjustRunningTotal(int64(written))
	if err := os.Remove(path); err != nil {
		m.log.Warn("failed to remove original after quarantine", "path", path, "error", err)
	}

	m.log.Info("file quarantined", "path", path, "stored_as", dest, "bytes", written, "pruned", pruned)
	if pruned {
		return fmt.Sprintf("PRUNED_AND_QUARANTINED: freed=%d bytes; stored_as=%s", freed, dest)
	}
	return fmt.Sprintf("QUARANTINED: stored_as=%s", dest)
}

// Whitelist computes the file's SHA-256 and upserts it into this
// database's whitelist table. Scans consult the whitelist table of the
// signature database they were opened with, so they skip the file only
// when that is the same database.
func (m *Manager) Whitelist(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash, ok := digest.SHA256(path)
	if !ok {
		return fmt.Sprintf("ERROR: failed to hash file: %s", path)
	}
	_, err := m.db.Exec(
		`INSERT OR REPLACE INTO whitelist (hash, hash_type, note) VALUES (?, 'sha256', ?)`,
		hash, path)
	if err != nil {
		return fmt.Sprintf("ERROR: failed to record whitelist entry: %v", err)
	}
	return fmt.Sprintf("WHITELISTED: sha256=%s", hash)
}

// Restore decodes a quarantined file back to its original path, marks
// the record restored, and adds the restored content's SHA-256 to this
// database's whitelist table.
func (m *Manager) Restore(storedNameOrPath string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Accept either the stored filename or the full stored path; the
	// stored filename never contains separators, so the base name of
	// either form identifies the record.
	storedName := filepath.Base(storedNameOrPath)

	var (
		id           int64
		originalPath string
		storedPath   string
	)
	err := m.db.QueryRow(
		`SELECT id, original_path, stored_path FROM quarantine_files
		 WHERE stored_filename = ? AND deleted = 0 AND restored = 0
		 ORDER BY id DESC LIMIT 1`, storedName).Scan(&id, &originalPath, &storedPath)
	if err != nil {
		return fmt.Sprintf("ERROR: Quarantined file not found: %s", storedNameOrPath)
	}

	src := filepath.Join(storedPath, storedName)
	if _, err := os.Stat(src); err != nil {
		return fmt.Sprintf("ERROR: Quarantined file missing on disk: %s", src)
	}

	if err := os.MkdirAll(filepath.Dir(originalPath), 0o755); err != nil {
		return fmt.Sprintf("ERROR: failed to create restore directory: %v", err)
	}

	// XOR is its own inverse: transforming again decodes.
	written, err := xorTransformFile(src, originalPath)
	if err != nil {
		return fmt.Sprintf("ERROR: failed to decode quarantined file: %v", err)
	}

	if hash, ok := digest.SHA256(originalPath); ok {
		m.db.Exec(`INSERT OR REPLACE INTO whitelist (hash, hash_type, note) VALUES (?, 'sha256', ?)`,
			hash, originalPath)
	}

	m.db.Exec(`UPDATE quarantine_files SET restored = 1, restored_at = datetime('now'), restored_path = ? WHERE id = ?`,
		originalPath, id)
	m.adjustRunningTotal(-int64(written))

	out := fmt.Sprintf("RESTORED: %s", originalPath)
	if err := os.Remove(src); err != nil {
		out += fmt.Sprintf(" WARNING: Failed to remove quarantined file: %v", err)
	}
	m.log.Info("file restored", "stored_as", src, "restored_to", originalPath)
	return out
}

// prune deletes the oldest non-deleted records until at least needed
// bytes are reclaimable. It refuses (without deleting anything) when
// the store cannot yield that much.
func (m *Manager) prune(needed uint64) (uint64, error) {
	rows, err := m.db.Query(
		`SELECT id, stored_filename, stored_path, stored_size FROM quarantine_files
		 WHERE deleted = 0 ORDER BY quarantined_at ASC, id ASC`)
	if err != nil {
		return 0, fmt.Errorf("failed to list quarantine records: %v", err)
	}

	type victim struct {
		id   int64
		path string
		size uint64
	}
	var victims []victim
	var reclaimable uint64
	for rows.Next() {
		var (
			id                 int64
			storedName, stored string
			size               int64
		)
		if err := rows.Scan(&id, &storedName, &stored, &size); err != nil {
			continue
		}
		victims = append(victims, victim{id: id, path: filepath.Join(stored, storedName), size: uint64(size)})
		reclaimable += uint64(size)
		if reclaimable >= needed {
			break
		}
	}
	rows.Close()

	if reclaimable < needed {
		return 0, fmt.Errorf("not enough reclaimable space in quarantine to satisfy request")
	}

	var freed uint64
	for _, v := range victims {
		if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
			m.log.Warn("failed to remove pruned quarantine file", "path", v.path, "error", err)
			continue
		}
		if _, err := m.db.Exec(`DELETE FROM quarantine_files WHERE id = ?`, v.id); err != nil {
			m.log.Warn("failed to delete pruned quarantine record", "id", v.id, "error", err)
			continue
		}
		freed += v.size
	}
	m.adjustRunningTotal(-int64(freed))
	m.log.Info("quarantine pruned", "freed_bytes", freed)
	return freed, nil
}

// totalQuarantineBytes prefers the running total maintained in db_info
// and falls back to summing the folder contents when the key is
// absent.
func (m *Manager) totalQuarantineBytes(folder string) uint64 {
	if v := m.dbInfo("quarantine_total_size", ""); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}

	var total uint64
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		total += uint64(info.Size())
	}
	return total
}

// adjustRunningTotal keeps the db_info running total in sync when one
// is being maintained. No-op when the key is absent.
func (m *Manager) adjustRunningTotal(delta int64) {
	v := m.dbInfo("quarantine_total_size", "")
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return
	}
	n += delta
	if n < 0 {
		n = 0
	}
	m.db.Exec(`INSERT OR REPLACE INTO db_info (key, value) VALUES ('quarantine_total_size', ?)`,
		strconv.FormatInt(n, 10))
}

func (m *Manager) dbInfo(key, fallback string) string {
	var value string
	err := m.db.QueryRow(`SELECT value FROM db_info WHERE key = ? LIMIT 1`, key).Scan(&value)
	if err != nil {
		return fallback
	}
	return value
}

func (m *Manager) dbInfoUint(key string, fallback uint64) uint64 {
	v := m.dbInfo(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// makeUniqueStoredFilename composes <epoch_ms>_<rand64_hex>_<basename>
// and replaces path separators and drive colons in the whole candidate
// with '_' so the stored name can never escape the quarantine folder.
func makeUniqueStoredFilename(originalPath string) string {
	ms := time.Now().UnixMilli()
	r := rand.Uint64()
	name := fmt.Sprintf("%d_%x_%s", ms, r, filepath.Base(originalPath))
	replacer := strings.NewReplacer(":", "_", `\`, "_", "/", "_")
	return replacer.Replace(name)
}

// xorTransformFile streams src into dst, XOR-ing every byte with the
// repeating key. Returns the number of bytes written.
func xorTransformFile(src, dst string) (uint64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file for XOR transform: %v", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to open destination file for XOR transform: %v", err)
	}

	var written uint64
	buf := make([]byte, 64*1024)
	kpos := 0
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			for i := 0; i < n; i++ {
				buf[i] ^= xorKey[kpos]
				kpos = (kpos + 1) % len(xorKey)
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				os.Remove(dst)
				return 0, fmt.Errorf("XOR transform failed: %v", werr)
			}
			written += uint64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			os.Remove(dst)
			return 0, fmt.Errorf("XOR transform failed: %v", rerr)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return 0, fmt.Errorf("XOR transform failed: %v", err)
	}
	return written, nil
}
