//go:build unit

package outbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTopicRouter_RejectsEmptyRoutes(t *testing.T) {
	t.Parallel()

	_, err := NewTopicRouter(nil)
	require.ErrorIs(t, err, ErrNoRoutesConfigured)

	_, err = NewTopicRouter(map[string]string{})
	require.ErrorIs(t, err, ErrNoRoutesConfigured)
}

func TestNewTopicRouter_RejectsBlankEntries(t *testing.T) {
	t.Parallel()

	_, err := NewTopicRouter(map[string]string{"  ": "topic"})
	require.ErrorIs(t, err, ErrEventTypeRequired)

	_, err = NewTopicRouter(map[string]string{"payment.created": "   "})
	require.ErrorIs(t, err, ErrTopicRequired)
}

func TestTopicRouter_ResolveTrimsAndMaps(t *testing.T) {
	t.Parallel()

	router, err := NewTopicRouter(map[string]string{
		" payment.created ": " payments.events ",
		"ledger.closed":     "ledger.lifecycle",
	})
	require.NoError(t, err)

	topic, err := router.Resolve("payment.created")
	require.NoError(t, err)
	require.Equal(t, "payments.events", topic)

	topic, err = router.Resolve("  ledger.closed  ")
	require.NoError(t, err)
	require.Equal(t, "ledger.lifecycle", topic)
}

func TestTopicRouter_ResolveUnmapped(t *testing.T) {
	t.Parallel()

	router, err := NewTopicRouter(map[string]string{"payment.created": "payments.events"})
	require.NoError(t, err)

	_, err = router.Resolve("payment.refunded")
	require.ErrorIs(t, err, ErrUnmappedEventType)
	require.Contains(t, err.Error(), "payment.refunded")
}

func TestTopicRouter_NilReceiver(t *testing.T) {
	t.Parallel()

	var router *TopicRouter

	_, err := router.Resolve("anything")
	require.ErrorIs(t, err, ErrTopicRouterRequired)
	require.Nil(t, router.EventTypes())
}

func TestTopicRouter_EventTypes(t *testing.T) {
	t.Parallel()

	router, err := NewTopicRouter(map[string]string{
		"payment.created": "payments.events",
		"payment.settled": "payments.events",
	})
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"payment.created", "payment.settled"}, router.EventTypes())
}
