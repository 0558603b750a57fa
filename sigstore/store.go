// Package sigstore implements the read-only signature store: lookups
// against three per-hash-type signature tables plus a whitelist table,
// backed by SQLite through database/sql with hand-written SQL.
package sigstore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"pbl4av/detect"
	"pbl4av/errs"
)

// busyTimeoutMS bounds retries against a busy or locked store.
const busyTimeoutMS = 5000

// Store owns the signature database handle and its prepared statements
// for the engine's lifetime.
type Store struct {
	db *sql.DB

	stmtMD5       *sql.Stmt
	stmtSHA1      *sql.Stmt
	stmtSHA256    *sql.Stmt
	stmtWhitelist *sql.Stmt
}

// Open opens the signature database in read-only intent (callers never
// write through this handle) and prepares the four lookup statements.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.New(errs.Config, "sigstore.Open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.New(errs.Config, "sigstore.Open", err)
	}

	s := &Store{db: db}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepare() (err error) {
	stmts := map[string]**sql.Stmt{
		"SELECT malware_name FROM sig_md5 WHERE hash = ?":                  &s.stmtMD5,
		"SELECT malware_name FROM sig_sha1 WHERE hash = ?":                 &s.stmtSHA1,
		"SELECT malware_name FROM sig_sha256 WHERE hash = ?":               &s.stmtSHA256,
		"SELECT 1 FROM whitelist WHERE hash = ? AND hash_type = ? LIMIT 1": &s.stmtWhitelist,
	}
	for query, dst := range stmts {
		stmt, prepErr := s.db.Prepare(query)
		if prepErr != nil {
			return errs.New(errs.Store, "sigstore.prepare", prepErr)
		}
		*dst = stmt
	}
	return nil
}

// Close releases the prepared statements and the database handle.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtMD5, s.stmtSHA1, s.stmtSHA256, s.stmtWhitelist} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// isSupportedHashType guards hash-type arguments: only MD5, SHA-1,
// and SHA-256 are valid anywhere in the store.
func isSupportedHashType(t detect.HashType) bool {
	switch t {
	case detect.HashMD5, detect.HashSHA1, detect.HashSHA256:
		return true
	default:
		return false
	}
}

// Lookup resolves a lowercase hex hash of the given type to a malware
// name. A store-level failure (e.g. a locked or corrupt database)
// degrades to "no hit" rather than failing the scan closed; callers
// cannot distinguish a miss from a degraded lookup.
func (s *Store) Lookup(hexHash string, hashType detect.HashType) (name string, hit bool) {
	if !isSupportedHashType(hashType) {
		return "", false
	}

	var stmt *sql.Stmt
	switch hashType {
	case detect.HashMD5:
		stmt = s.stmtMD5
	case detect.HashSHA1:
		stmt = s.stmtSHA1
	case detect.HashSHA256:
		stmt = s.stmtSHA256
	}

	row := stmt.QueryRow(strings.ToLower(hexHash))
	if err := row.Scan(&name); err != nil {
		return "", false
	}
	return name, true
}

// IsWhitelisted reports whether hexHash of hashType appears in the
// whitelist table. The table stores hash types lowercase ("sha256",
// "sha1", "md5"), so the type is lowercased alongside the hash. As
// with Lookup, a store error degrades to "not whitelisted" rather
// than aborting the scan.
func (s *Store) IsWhitelisted(hexHash string, hashType detect.HashType) bool {
	if !isSupportedHashType(hashType) {
		return false
	}
	var one int
	err := s.stmtWhitelist.QueryRow(strings.ToLower(hexHash), strings.ToLower(string(hashType))).Scan(&one)
	return err == nil
}

// LookupInPrecedenceOrder consults SHA-256, then SHA-1, then MD5,
// returning the first hit, or hit=false if none of the three digests
// matched.
func (s *Store) LookupInPrecedenceOrder(d digestSet) (name string, matchedHash string, hashType detect.HashType, hit bool) {
	type candidate struct {
		hash string
		typ  detect.HashType
	}
	for _, c := range []candidate{
		{d.SHA256, detect.HashSHA256},
		{d.SHA1, detect.HashSHA1},
		{d.MD5, detect.HashMD5},
	} {
		if c.hash == "" {
			continue
		}
		if n, ok := s.Lookup(c.hash, c.typ); ok {
			return n, c.hash, c.typ, true
		}
	}
	return "", "", "", false
}

// IsWhitelistedAny tests SHA-256, SHA-1, then MD5 against the
// whitelist table, returning the digest and type of the first hit.
func (s *Store) IsWhitelistedAny(d digestSet) (matchedHash string, hashType detect.HashType, hit bool) {
	type candidate struct {
		hash string
		typ  detect.HashType
	}
	for _, c := range []candidate{
		{d.SHA256, detect.HashSHA256},
		{d.SHA1, detect.HashSHA1},
		{d.MD5, detect.HashMD5},
	} {
		if c.hash == "" {
			continue
		}
		if s.IsWhitelisted(c.hash, c.typ) {
			return c.hash, c.typ, true
		}
	}
	return "", "", false
}

// digestSet is the minimal shape sigstore needs from digest.Digests,
// kept local so this package doesn't import digest just for a struct
// literal shape; callers build one from their digest.Digests fields
// with Digests.
type digestSet struct {
	MD5    string
	SHA1   string
	SHA256 string
}

// Digests adapts a concrete digest triple into the shape
// LookupInPrecedenceOrder/IsWhitelistedAny expect.
func Digests(md5, sha1, sha256 string) digestSet {
	return digestSet{MD5: md5, SHA1: sha1, SHA256: sha256}
}
