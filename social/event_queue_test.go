package social

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestInternalEventQueueFifo(t *testing.T) {
	queue := newInternalEventQueue()
	assert.Equal(t, true, queue.Empty())
	assert.Equal(t, queue.Pop(), nil)

	n := 50
	for i := 0; i < n; i += 1 {
		queue.Push(&internalSocialEvent{
			eventType:     internalSocialEventTypeUsersRemoved,
			usersToRemove: []XboxUserId{XboxUserId(i)},
		})
	}
	assert.Equal(t, n, queue.Size())

	for i := 0; i < n; i += 1 {
		evt := queue.Pop()
		assert.NotEqual(t, evt, nil)
		assert.Equal(t, XboxUserId(i), evt.usersToRemove[0])
	}
	assert.Equal(t, true, queue.Empty())
}

func TestAffectedIds(t *testing.T) {
	evt := &internalSocialEvent{
		eventType:     internalSocialEventTypeUsersAdded,
		userIdStrings: []string{"100", "bogus", "200"},
	}
	assert.Equal(t, []XboxUserId{100, 200}, evt.affectedIds())

	evt = &internalSocialEvent{
		eventType:     internalSocialEventTypeUsersRemoved,
		usersToRemove: []XboxUserId{300},
	}
	assert.Equal(t, []XboxUserId{300}, evt.affectedIds())

	evt = &internalSocialEvent{
		eventType: internalSocialEventTypePresenceChanged,
		presenceRecords: []PresenceRecord{
			{XboxUserId: 400},
			{XboxUserId: 500},
		},
	}
	assert.Equal(t, []XboxUserId{400, 500}, evt.affectedIds())

	// a failed fetch reports the ids that were requested
	evt = &internalSocialEvent{
		eventType:     internalSocialEventTypeUsersChanged,
		userIdStrings: []string{"600"},
		err:           newSocialError(ErrorKindHttpOther, "fetch failed", nil),
	}
	assert.Equal(t, []XboxUserId{600}, evt.affectedIds())
}

func TestSocialEventQueueDrainPreservesOrder(t *testing.T) {
	queue := newSocialEventQueue()
	assert.Equal(t, true, queue.Empty())

	queue.Push(
		&internalSocialEvent{
			eventType:     internalSocialEventTypeUsersAdded,
			userIdStrings: []string{"100"},
		},
		SocialEventTypeUsersAddedToSocialGraph,
		nil,
	)
	queue.Push(
		&internalSocialEvent{
			eventType:       internalSocialEventTypePresenceChanged,
			presenceRecords: []PresenceRecord{{XboxUserId: 100}},
		},
		SocialEventTypePresenceChanged,
		nil,
	)
	// unknown events are filtered
	queue.Push(
		&internalSocialEvent{
			eventType: internalSocialEventTypeUsersAdded,
		},
		SocialEventTypeUnknown,
		nil,
	)

	events := []SocialEvent{}
	appended := queue.DrainTo(&events)
	assert.Equal(t, 2, appended)
	assert.Equal(t, SocialEventTypeUsersAddedToSocialGraph, events[0].EventType)
	assert.Equal(t, SocialEventTypePresenceChanged, events[1].EventType)
	assert.Equal(t, true, queue.Empty())

	// a drained queue appends nothing
	appended = queue.DrainTo(&events)
	assert.Equal(t, 0, appended)
	assert.Equal(t, 2, len(events))
}
