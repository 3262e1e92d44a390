package nifti

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"deeprad/internal/models"
)

// SidecarExt is the extension of the metadata store that accompanies each
// volume file. The store is a flat JSON object; deeprad keeps its entries
// under the reserved "deeprad." key prefix so foreign keys survive updates.
const SidecarExt = ".deeprad"

// NormalizationKey is the reserved store key holding the volume's
// NormalizationRecord.
const NormalizationKey = "deeprad.normalization"

// Meta is the key/value metadata store for one volume file. Values are kept
// as raw JSON so unrelated entries round-trip untouched.
type Meta map[string]json.RawMessage

// SidecarPath returns the metadata store path for a volume file.
func SidecarPath(volumePath string) string {
	return volumePath + SidecarExt
}

// LoadMeta reads the metadata store for a volume file. A missing sidecar is
// not an error; it yields an empty store.
func LoadMeta(volumePath string) (Meta, error) {
	data, err := os.ReadFile(SidecarPath(volumePath))
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, nil
	}
	if err != nil {
		return nil, err
	}
	meta := Meta{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SidecarPath(volumePath), err)
	}
	return meta, nil
}

// SaveMeta persists the full metadata store atomically: the store is written
// to a temporary file in the same directory and renamed over the sidecar, so
// a crash never leaves a partially written store behind.
func SaveMeta(volumePath string, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	target := SidecarPath(volumePath)
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Normalization extracts the volume's NormalizationRecord from the store.
// The second return reports whether a record is present.
func (m Meta) Normalization() (models.NormalizationRecord, bool, error) {
	raw, ok := m[NormalizationKey]
	if !ok {
		return models.NormalizationRecord{}, false, nil
	}
	var rec models.NormalizationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, false, fmt.Errorf("decode normalization record: %w", err)
	}
	return rec, true, nil
}

// SetNormalization stores a NormalizationRecord in the metadata store.
func (m Meta) SetNormalization(rec models.NormalizationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m[NormalizationKey] = raw
	return nil
}
