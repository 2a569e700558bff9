package memory

import (
	"testing"

	"github.com/aridsondez/fmtp/internal/queue/store"
	"github.com/aridsondez/fmtp/internal/queue/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}
