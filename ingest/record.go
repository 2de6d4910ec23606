package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// IngestRecord mirrors one row of the ingeststatus table: the last known
// state of a single (output connection, document) pair.
type IngestRecord struct {
	ID                         int64
	OutputConnection           string
	DocKey                     string
	DocURI                     string // empty means "recorded, not delivered"
	URIHash                    string
	LastVersion                string
	LastOutputVersion          string
	LastTransformationVersion  string
	ForcedParams               string
	ChangeCount                int64
	FirstIngest                int64 // ms since epoch
	LastIngest                 int64 // ms since epoch
	AuthorityName              string
}

// HasURI reports whether the record currently mirrors a delivered document.
func (r *IngestRecord) HasURI() bool {
	return r != nil && r.DocURI != ""
}

// OutputKey identifies a document within a single output connection's
// namespace: the identifier class plus hash the crawler assigned it, scoped
// to one output connection.
type OutputKey struct {
	IdentifierClass string
	IdentifierHash  string
	OutputConn      string
}

// DocKey packs IdentifierClass and IdentifierHash the way the persisted
// table stores them: "<class>:<hash>".
func (k OutputKey) DocKey() string {
	return fmt.Sprintf("%s:%s", k.IdentifierClass, k.IdentifierHash)
}

// DocumentIngestStatus is the subset of IngestRecord a caller needs to
// decide whether a document requires re-indexing.
type DocumentIngestStatus struct {
	LastVersion               string
	LastTransformationVersion string
	LastOutputVersion         string
	ForcedParams              string
	AuthorityName             string
}

// statusOf extracts a DocumentIngestStatus view of a stored record.
func statusOf(r *IngestRecord) DocumentIngestStatus {
	if r == nil {
		return DocumentIngestStatus{}
	}
	return DocumentIngestStatus{
		LastVersion:               r.LastVersion,
		LastTransformationVersion: r.LastTransformationVersion,
		LastOutputVersion:         r.LastOutputVersion,
		ForcedParams:              r.ForcedParams,
		AuthorityName:             r.AuthorityName,
	}
}

// hashURI computes the indexed lookup hash for a URI: a 40-hex-char SHA-1
// digest, matching the ingeststatus.uri_hash column width (§3). The store's
// correctness never depends on collision freedom because
// find_row_ids_by_uri_hashes always re-checks the full URI after a hash hit
// (invariant I4 only requires uri_hash = hash(doc_uri), not uniqueness).
func hashURI(uri string) string {
	if uri == "" {
		return ""
	}
	sum := sha1.Sum([]byte(uri))
	return hex.EncodeToString(sum[:])
}
