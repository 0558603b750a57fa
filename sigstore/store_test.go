package sigstore

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"pbl4av/detect"
)

func newStore(t *testing.T, populate func(db *sql.DB)) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signatures.sqlite")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to create signature db: %v", err)
	}
	schema := []string{
		`CREATE TABLE sig_md5 (hash TEXT PRIMARY KEY, malware_name TEXT)`,
		`CREATE TABLE sig_sha1 (hash TEXT PRIMARY KEY, malware_name TEXT)`,
		`CREATE TABLE sig_sha256 (hash TEXT PRIMARY KEY, malware_name TEXT)`,
		`CREATE TABLE whitelist (hash TEXT, hash_type TEXT, PRIMARY KEY(hash, hash_type))`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Failed to create schema: %v", err)
		}
	}
	if populate != nil {
		populate(db)
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLookup(t *testing.T) {
	const hash = "275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f"
	s := newStore(t, func(db *sql.DB) {
		db.Exec(`INSERT INTO sig_sha256 VALUES (?, 'Test.EICAR')`, hash)
	})

	name, hit := s.Lookup(hash, detect.HashSHA256)
	if !hit || name != "Test.EICAR" {
		t.Errorf("Lookup = (%q, %v), want (Test.EICAR, true)", name, hit)
	}

	// Callers may pass uppercase hex; the store normalizes.
	if _, hit := s.Lookup("275A021BBFB6489E54D471899F7DB9D1663FC695EC2FE2A2C4538AABF651FD0F", detect.HashSHA256); !hit {
		t.Error("Expected uppercase input to be normalized and hit")
	}

	if _, hit := s.Lookup(hash, detect.HashMD5); hit {
		t.Error("Hash must only hit in its own table")
	}
	if _, hit := s.Lookup("deadbeef", detect.HashSHA256); hit {
		t.Error("Unknown hash must miss")
	}
}

func TestLookupUnsupportedType(t *testing.T) {
	s := newStore(t, nil)
	if _, hit := s.Lookup("abc", detect.HashType("CRC32")); hit {
		t.Error("Unsupported hash type must never hit")
	}
	if s.IsWhitelisted("abc", detect.HashType("CRC32")) {
		t.Error("Unsupported hash type must never be whitelisted")
	}
}

func TestLookupInPrecedenceOrder(t *testing.T) {
	s := newStore(t, func(db *sql.DB) {
		db.Exec(`INSERT INTO sig_md5 VALUES ('aaaa', 'ByMD5')`)
		db.Exec(`INSERT INTO sig_sha1 VALUES ('bbbb', 'BySHA1')`)
		db.Exec(`INSERT INTO sig_sha256 VALUES ('cccc', 'BySHA256')`)
	})

	// All three present: SHA-256 wins.
	name, matched, typ, hit := s.LookupInPrecedenceOrder(Digests("aaaa", "bbbb", "cccc"))
	if !hit || typ != detect.HashSHA256 || name != "BySHA256" || matched != "cccc" {
		t.Errorf("Expected SHA256 precedence, got (%q, %q, %s, %v)", name, matched, typ, hit)
	}

	// SHA-256 missing from the store: SHA-1 next.
	_, _, typ, hit = s.LookupInPrecedenceOrder(Digests("aaaa", "bbbb", "ffff"))
	if !hit || typ != detect.HashSHA1 {
		t.Errorf("Expected SHA1 fallback, got (%s, %v)", typ, hit)
	}

	// Only MD5 known.
	_, _, typ, hit = s.LookupInPrecedenceOrder(Digests("aaaa", "eeee", "ffff"))
	if !hit || typ != detect.HashMD5 {
		t.Errorf("Expected MD5 fallback, got (%s, %v)", typ, hit)
	}

	// Nothing known.
	if _, _, _, hit = s.LookupInPrecedenceOrder(Digests("1111", "2222", "3333")); hit {
		t.Error("Expected miss for unknown digests")
	}
}

func TestIsWhitelistedAny(t *testing.T) {
	// The whitelist table stores hash types lowercase.
	s := newStore(t, func(db *sql.DB) {
		db.Exec(`INSERT INTO whitelist VALUES ('cccc', 'sha256')`)
	})

	matched, typ, hit := s.IsWhitelistedAny(Digests("aaaa", "bbbb", "cccc"))
	if !hit || typ != detect.HashSHA256 || matched != "cccc" {
		t.Errorf("Expected SHA256 whitelist hit, got (%q, %s, %v)", matched, typ, hit)
	}

	// The uppercase HashType constants must still match the table's
	// lowercase convention.
	if !s.IsWhitelisted("CCCC", detect.HashSHA256) {
		t.Error("Expected hash and type to be normalized to lowercase")
	}

	if _, _, hit := s.IsWhitelistedAny(Digests("xxxx", "yyyy", "zzzz")); hit {
		t.Error("Expected no whitelist hit for unknown digests")
	}
}
