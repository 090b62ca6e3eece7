package bus

// InMemoryBus fans frames out to every attached NodeBroker, the way the
// physical bus would, without any MAC/PHY framing. It exists only for tests
// and the host demo harness (spec.md §1 scopes the real bus/broker out of
// this module).
type InMemoryBus struct {
	nodes map[uint8]*NodeBroker
}

// NewInMemoryBus returns an empty bus; attach nodes with Attach.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{nodes: make(map[uint8]*NodeBroker)}
}

// Attach registers a node's broker on the bus and returns it.
func (b *InMemoryBus) Attach(nodeID uint8, rxCapacity, txCapacity int) *NodeBroker {
	nb := &NodeBroker{
		nodeID: nodeID,
		bus:    b,
		rx:     make(chan Frame, rxCapacity),
		txCap:  txCapacity,
	}
	b.nodes[nodeID] = nb
	return nb
}

// deliver puts f on every matching node's RX queue. A broadcast is also
// delivered back to its own sender, the way it would appear on a shared
// bus — RunLoop, not the bus, is responsible for filtering self-broadcasts
// (spec.md §4.7).
func (b *InMemoryBus) deliver(f Frame) {
	if f.Dest == BroadcastDest {
		for _, nb := range b.nodes {
			select {
			case nb.rx <- f:
			default:
				// RX full: dropped at the wire, same as real hardware
				// backpressure.
			}
		}
		return
	}
	if nb, ok := b.nodes[f.Dest]; ok {
		select {
		case nb.rx <- f:
		default:
		}
	}
}

// NodeBroker is one node's view of the InMemoryBus: a bounded RX queue fed
// by the bus, and a bounded "in-flight" TX count modeling the broker's own
// TX queue depth. It implements bus.Broker.
type NodeBroker struct {
	nodeID uint8
	bus    *InMemoryBus
	rx     chan Frame
	txCap  int
	txLen  int
}

// Task services the broker. In this in-memory model delivery is synchronous
// (Send already delivered), so Task only resets the simulated TX depth that
// accumulated since the last call, the way a real broker drains DMA.
func (nb *NodeBroker) Task() {
	nb.txLen = 0
}

// TryReceive returns the next queued inbound frame, if any.
func (nb *NodeBroker) TryReceive() (Frame, bool) {
	select {
	case f := <-nb.rx:
		return f, true
	default:
		return Frame{}, false
	}
}

// Send delivers f to the bus, modeling TX-queue backpressure: once txCap
// sends have happened since the last Task(), further sends fail.
func (nb *NodeBroker) Send(f Frame) bool {
	if nb.txCap > 0 && nb.txLen >= nb.txCap {
		return false
	}
	f.Src = nb.nodeID
	nb.txLen++
	nb.bus.deliver(f)
	return true
}
