package storage

import (
	"encoding/json"
	"errors"

	"mopa/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeCheckpoint(c model.Checkpoint) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	var ckpt model.Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return model.Checkpoint{}, err
	}
	if err := checkVersion(ckpt.VersionedRecord); err != nil {
		return model.Checkpoint{}, err
	}
	return ckpt, nil
}

func EncodeRunSummary(s model.RunSummary) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeRunSummary(data []byte) (model.RunSummary, error) {
	var summary model.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return model.RunSummary{}, err
	}
	if err := checkVersion(summary.VersionedRecord); err != nil {
		return model.RunSummary{}, err
	}
	return summary, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

// Stamp fills in the current schema and codec versions.
func Stamp() model.VersionedRecord {
	return model.VersionedRecord{
		SchemaVersion: CurrentSchemaVersion,
		CodecVersion:  CurrentCodecVersion,
	}
}
