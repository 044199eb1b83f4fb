package store

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"docrag/internal/domain"
	"docrag/internal/port"
)

// CurrentSchemaVersion is the current on-disk index format version.
// Increment this when making breaking changes to the storage format.
const CurrentSchemaVersion = 1

var (
	bucketMeta    = []byte("meta")
	bucketVectors = []byte("vectors")

	keySchemaVersion = []byte("schema_version")
	keyManifest      = []byte("manifest")
)

func untrusted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrDeserializationUntrusted, fmt.Sprintf(format, args...))
}

// writeMeta stores the schema version and manifest.
func writeMeta(tx *bbolt.Tx, m port.IndexManifest) error {
	b, err := tx.CreateBucketIfNotExists(bucketMeta)
	if err != nil {
		return err
	}

	versionData, err := json.Marshal(CurrentSchemaVersion)
	if err != nil {
		return err
	}
	if err := b.Put(keySchemaVersion, versionData); err != nil {
		return err
	}

	m.SchemaVersion = CurrentSchemaVersion
	manifestData, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.Put(keyManifest, manifestData)
}

// readMeta reads the manifest and rejects files written by another schema
// version. Older versions carry no migration path; they must be re-uploaded.
func readMeta(tx *bbolt.Tx) (port.IndexManifest, error) {
	var m port.IndexManifest

	b := tx.Bucket(bucketMeta)
	if b == nil {
		return m, untrusted("missing meta bucket")
	}

	var version int
	if err := json.Unmarshal(b.Get(keySchemaVersion), &version); err != nil {
		return m, untrusted("unreadable schema version")
	}
	if version != CurrentSchemaVersion {
		return m, untrusted("schema version %d, expected %d", version, CurrentSchemaVersion)
	}

	if err := json.Unmarshal(b.Get(keyManifest), &m); err != nil {
		return m, untrusted("unreadable manifest: %v", err)
	}
	if m.SchemaVersion != version {
		return m, untrusted("manifest schema version %d disagrees with file version %d", m.SchemaVersion, version)
	}
	return m, nil
}

// checkCompatibility verifies a manifest against the running embedder and
// the directory it was loaded from.
func checkCompatibility(m port.IndexManifest, wantID, wantModel string, wantDim int) error {
	if m.DocumentID != wantID {
		return untrusted("manifest id %q does not match directory %q", m.DocumentID, wantID)
	}
	if !domain.ValidDocumentName(m.DocumentName) {
		return untrusted("manifest document name %q is not a plain file name", m.DocumentName)
	}
	if m.Model != wantModel {
		return untrusted("index built with model %q, running %q", m.Model, wantModel)
	}
	if m.Dimension != wantDim {
		return untrusted("index dimension %d, embedder dimension %d", m.Dimension, wantDim)
	}
	if m.ChunkCount <= 0 {
		return untrusted("manifest chunk count %d", m.ChunkCount)
	}
	return nil
}
