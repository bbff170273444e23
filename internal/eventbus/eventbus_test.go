package eventbus

import "testing"

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	e := New()
	var order []int
	e.On("ev", func(any) { order = append(order, 1) })
	e.On("ev", func(any) { order = append(order, 2) })
	e.On("other", func(any) { order = append(order, 99) })

	e.Emit("ev", nil)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("delivery order = %v, want [1 2]", order)
	}
}

func TestOffRemovesListener(t *testing.T) {
	e := New()
	calls := 0
	sub := e.On("ev", func(any) { calls++ })

	e.Emit("ev", nil)
	e.Off("ev", sub)
	e.Emit("ev", nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	e := New()
	calls := 0
	e.Once("ev", func(any) { calls++ })

	e.Emit("ev", nil)
	e.Emit("ev", nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestEmitPassesPayload(t *testing.T) {
	e := New()
	var got any
	e.On("ev", func(payload any) { got = payload })

	e.Emit("ev", "hello")

	if got != "hello" {
		t.Errorf("payload = %v, want hello", got)
	}
}
