package gmail

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jarrod-lowe/jmap-service-sync/internal/provider"
)

const (
	phaseBackfill = "backfill"
	phaseHistory  = "history"
)

// cursor is the decoded form of the opaque sync cursor.
//
//	backfill:<historyId>:<pageToken>  full listing in progress; historyId is
//	                                  the watermark taken when it started
//	history:<historyId>[:<pageToken>] incremental sync from historyId
type cursor struct {
	phase     string
	historyID uint64
	pageToken string
}

func (c cursor) String() string {
	s := c.phase + ":" + strconv.FormatUint(c.historyID, 10)
	if c.pageToken != "" || c.phase == phaseBackfill {
		s += ":" + c.pageToken
	}
	return s
}

func parseCursor(s string) (cursor, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return cursor{}, fmt.Errorf("%w: malformed cursor %q", provider.ErrInvalidCursor, s)
	}
	if parts[0] != phaseBackfill && parts[0] != phaseHistory {
		return cursor{}, fmt.Errorf("%w: unknown cursor phase %q", provider.ErrInvalidCursor, parts[0])
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: bad history id in cursor %q", provider.ErrInvalidCursor, s)
	}
	c := cursor{phase: parts[0], historyID: id}
	if len(parts) == 3 {
		c.pageToken = parts[2]
	}
	return c, nil
}
