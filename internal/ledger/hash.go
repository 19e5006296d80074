package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EventHash computes the tamper-evident content hash of an event. The hash
// covers identity, chain position, timestamp, payload and the previous link,
// so rewriting any committed event breaks every later link in its subject
// chain.
//
// Timestamps enter the hash at microsecond precision; both storage drivers
// round-trip microseconds losslessly.
func EventHash(e *domain.AuditEvent) string {
	payload := sha256.Sum256(e.Payload)

	base := strings.Join([]string{
		e.EventID,
		e.EventType,
		e.Subject,
		strconv.FormatInt(e.Sequence, 10),
		strconv.FormatInt(e.Timestamp.UTC().UnixMicro(), 10),
		hex.EncodeToString(payload[:]),
		e.PrevHash,
	}, "|")

	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}
