package manifest

import (
	"fmt"
	"time"

	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/proto/mcsync"
)

// Marshal converts the manifest into its wire format.
func (m Manifest) Marshal() mcsync.Manifest {
	pb := mcsync.Manifest{
		WorldID:     m.WorldID,
		GeneratedAt: m.GeneratedAt.UnixNano(),
	}
	for _, f := range m.Records() {
		pb.Files = append(pb.Files, f.Marshal())
	}
	return pb
}

// Marshal converts the record into its wire format.
func (f FileRecord) Marshal() mcsync.FileRecord {
	return mcsync.FileRecord{
		Path:    f.RelativePath,
		Size:    f.SizeBytes,
		ModTime: f.ModifiedAt.UnixNano(),
		Hash:    f.ContentHash,
	}
}

// UnmarshalRecord parses a record received from a peer.
func UnmarshalRecord(pb mcsync.FileRecord) (FileRecord, error) {
	if err := ValidatePath(pb.Path); err != nil {
		return FileRecord{}, err
	}
	if len(pb.Hash) != 64 {
		return FileRecord{}, errors.ProtocolError{
			Reason: fmt.Sprintf("malformed hash for %q", pb.Path)}
	}
	if pb.Size < 0 {
		return FileRecord{}, errors.ProtocolError{
			Reason: fmt.Sprintf("negative size for %q", pb.Path)}
	}

	return FileRecord{
		RelativePath: pb.Path,
		SizeBytes:    pb.Size,
		ModifiedAt:   time.Unix(0, pb.ModTime).UTC(),
		ContentHash:  pb.Hash,
	}, nil
}

// Unmarshal parses a manifest received from a peer.
func Unmarshal(pb mcsync.Manifest) (Manifest, error) {
	m := New(pb.WorldID, time.Unix(0, pb.GeneratedAt).UTC())
	for _, pbFile := range pb.Files {
		f, err := UnmarshalRecord(pbFile)
		if err != nil {
			return Manifest{}, err
		}

		if _, ok := m.Files[f.RelativePath]; ok {
			return Manifest{}, errors.ProtocolError{
				Reason: fmt.Sprintf("duplicate path %q", f.RelativePath)}
		}
		m.Add(f)
	}
	return m, nil
}
