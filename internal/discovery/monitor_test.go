package discovery

import "testing"

func TestMonitorStop_Idempotent(t *testing.T) {
	m := &Monitor{done: make(chan struct{})}
	m.Stop()
	m.Stop() // second call must not panic on the closed channel

	select {
	case <-m.done:
	default:
		t.Fatal("done channel should be closed after Stop")
	}
}
