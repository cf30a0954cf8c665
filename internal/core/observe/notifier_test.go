package observe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifier_DeliversInOrder(t *testing.T) {
	var n Notifier[string]
	var got []string

	n.Subscribe(func(v string) { got = append(got, "a:"+v) })
	n.Subscribe(func(v string) { got = append(got, "b:"+v) })

	n.Notify("x")

	assert.Equal(t, []string{"a:x", "b:x"}, got)
}

func TestNotifier_Unsubscribe(t *testing.T) {
	var n Notifier[int]
	calls := 0

	unsubscribe := n.Subscribe(func(int) { calls++ })
	n.Notify(1)
	unsubscribe()
	unsubscribe() // second call is a no-op
	n.Notify(2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, n.Len())
}

func TestNotifier_ListenerCanUnsubscribeDuringNotify(t *testing.T) {
	var n Notifier[int]
	calls := 0

	var unsubscribe func()
	unsubscribe = n.Subscribe(func(int) {
		calls++
		unsubscribe()
	})

	n.Notify(1)
	n.Notify(2)

	assert.Equal(t, 1, calls)
}
