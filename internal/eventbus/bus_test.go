package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(TopicDelivery, Delivery{RecipientID: "1", Status: "sent"})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, TopicDelivery, e.Topic)
		assert.False(t, e.Time.IsZero())
		d, ok := e.Data.(Delivery)
		require.True(t, ok)
		assert.Equal(t, "sent", d.Status)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(TopicError, Error{Message: "one"})
	b.Publish(TopicError, Error{Message: "two"})

	e := <-ch
	assert.Equal(t, "one", e.Data.(Error).Message)
	select {
	case <-ch:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(TopicError, Error{})
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(TopicError, Error{})
}
