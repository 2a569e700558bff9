package queue

import (
	"regexp"
	"time"
)

// TimeLayout is the wire format for message timestamps. The microsecond
// fraction is always six digits and is left out when it is zero.
const TimeLayout = "2006-01-02 15:04:05.000000"

const secondsLayout = "2006-01-02 15:04:05"

var guidPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Message is the durable queue record mapped to Go.
type Message struct {
	Queue       string
	GUID        string
	ContentType string
	Body        []byte
	CreatedAt   time.Time
	DeletedAt   *time.Time // nil while the message is pending
}

// Deleted reports whether the message has been acknowledged.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Summary is the listing view of a pending message.
type Summary struct {
	GUID      string
	CreatedAt time.Time
}

// Listing is what a consumer gets back when polling a queue.
type Listing struct {
	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration
	Messages         []Summary
}

// ValidGUID reports whether guid is an acceptable message identifier.
func ValidGUID(guid string) bool {
	return guidPattern.MatchString(guid)
}

// FormatTime renders t in the protocol's timestamp layout.
func FormatTime(t time.Time) string {
	t = t.UTC()
	if t.Nanosecond()/int(time.Microsecond) == 0 {
		return t.Format(secondsLayout)
	}
	return t.Format(TimeLayout)
}
