package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending: {StatusQueued, StatusSending},
		StatusQueued:  {StatusQueued, StatusSending},
		StatusSending: {StatusPending, StatusSent, StatusFailed, StatusInvalidToken},
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusSent.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusInvalidToken.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusSending.IsTerminal())
}

func TestNotificationClone(t *testing.T) {
	msg := "boom"
	badge := 2
	sent := time.Now()
	n := &Notification{
		ErrorMessage: &msg,
		Badge:        &badge,
		SentAt:       &sent,
		Data:         map[string]any{"k": "v"},
	}

	c := n.Clone()
	*c.ErrorMessage = "changed"
	*c.Badge = 9
	c.Data["k"] = "changed"

	assert.Equal(t, "boom", *n.ErrorMessage)
	assert.Equal(t, 2, *n.Badge)
	assert.Equal(t, "v", n.Data["k"])
	assert.True(t, c.SentAt.Equal(sent))
}

func TestPlatformAndPriorityValid(t *testing.T) {
	assert.True(t, PlatformIOS.Valid())
	assert.True(t, PlatformAndroid.Valid())
	assert.False(t, Platform("web").Valid())
	assert.True(t, PriorityHigh.Valid())
	assert.False(t, Priority("").Valid())
}

func TestConfigDSN(t *testing.T) {
	dsn := Config{Host: "localhost", Port: 5432, User: "push", Password: "secret", Database: "pushline", SSLMode: "disable"}.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=pushline")
	assert.Contains(t, dsn, "sslmode=disable")
}
