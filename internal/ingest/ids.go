package ingest

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/google/uuid"
)

// correlationNamespace scopes name-based correlation IDs.
var correlationNamespace = uuid.MustParse("6f1f3b9e-8f0c-5a57-9d3e-5c2b0e4a7d10")

// CorrelationID derives a deterministic identifier for an item from its source
// and stable identifier, so reprocessing the same item yields the same ID.
func CorrelationID(sourceID, stableID string) string {
	return uuid.NewSHA1(correlationNamespace, []byte(sourceID+"\x00"+stableID)).String()
}

// ArtifactName returns the content-addressed artifact filename for an item.
func ArtifactName(sourceID, stableID string) string {
	sum := md5.Sum([]byte(stableID))
	return sourceID + "-" + hex.EncodeToString(sum[:]) + ".json"
}
