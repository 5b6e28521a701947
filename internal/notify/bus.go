package notify

import (
	"time"

	"github.com/asaskevich/EventBus"
)

// BusNotifier publishes events on the in-process bus. Subscribers register
// per event name; the wildcard topic receives everything.
type BusNotifier struct {
	bus EventBus.Bus
}

const WildcardTopic = "events.all"

func NewBusNotifier(bus EventBus.Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

func (n *BusNotifier) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	n.bus.Publish(evt.Name, evt)
	n.bus.Publish(WildcardTopic, evt)
}
