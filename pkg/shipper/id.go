package shipper

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ID is the document ID of the event starting at offset in the object. It is
// stable across retries and resumes, so writing a document twice is
// rejected by the backend as a conflict.
func ID(bucketARN, key string, offset int64) string {
	sum := sha256.Sum256([]byte(bucketARN + key))
	return fmt.Sprintf("%s-%012d", hex.EncodeToString(sum[:])[:10], offset)
}
