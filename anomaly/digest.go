package anomaly

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/liamcoop/anomalies/attendance"
)

type digestEntry struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	EntryType string `json:"entry_type"`
}

// PunchDigest is the watermark of a day's punches: SHA-256 over the RFC 8785
// encoding of the punches in chronological order. Geolocation is left out,
// so only a changed, added or removed punch moves the digest.
func PunchDigest(punches []attendance.Punch) (string, error) {
	sorted := make([]attendance.Punch, len(punches))
	copy(sorted, punches)
	attendance.SortPunches(sorted)

	entries := make([]digestEntry, len(sorted))
	for i, p := range sorted {
		entries[i] = digestEntry{
			ID:        p.ID,
			Timestamp: p.Timestamp.UTC().Format(time.RFC3339Nano),
			EntryType: string(p.EntryType),
		}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to encode punches: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize punches: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// KindDigest is the watermark a record of kind is compared against. Arrival
// kinds only watch arrivals and departure kinds only watch departures, so a
// reviewer's decision survives punches that cannot change the verdict.
func KindDigest(kind Kind, punches []attendance.Punch) (string, error) {
	var only attendance.EntryType
	switch kind {
	case Late, MissingArrival:
		only = attendance.Arrival
	case EarlyDeparture, MissingDeparture:
		only = attendance.Departure
	default:
		return PunchDigest(punches)
	}
	watched := make([]attendance.Punch, 0, len(punches))
	for _, p := range punches {
		if p.EntryType == only {
			watched = append(watched, p)
		}
	}
	return PunchDigest(watched)
}
