package channel

import (
	"sync"

	"github.com/danmuck/tcfchan/internal/protocol"
	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

type outMessage struct {
	msg      protocol.Message
	sent     bool
	canceled bool

	eos    bool
	report []byte
}

// outQueue is the FIFO between the dispatch goroutine and the transmitter.
// The sent and canceled flags of queued messages are guarded by mu.
type outQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	list *doublylinkedlist.List
}

func newOutQueue() *outQueue {
	q := &outQueue{list: doublylinkedlist.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *outQueue) push(m *outMessage) {
	q.mu.Lock()
	q.list.Add(m)
	q.cond.Signal()
	q.mu.Unlock()
}

// pushFlowControl puts a flow control report at the head of the queue,
// reusing an unsent one already there.
func (q *outQueue) pushFlowControl(data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if v, ok := q.list.Get(0); ok {
		head := v.(*outMessage)
		if fc, ok := head.msg.(*protocol.FlowControl); ok && !head.sent {
			fc.Data = data
			return
		}
	}
	q.list.Prepend(&outMessage{msg: &protocol.FlowControl{Data: data}})
	q.cond.Signal()
}

// next blocks for the next live message and marks it sent. more reports
// whether further messages are already waiting.
func (q *outQueue) next() (m *outMessage, more bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for q.list.Empty() {
			q.cond.Wait()
		}
		v, _ := q.list.Get(0)
		q.list.Remove(0)
		m = v.(*outMessage)
		if m.canceled {
			continue
		}
		m.sent = true
		return m, !q.list.Empty()
	}
}

func (q *outQueue) cancel(m *outMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m.sent || m.canceled {
		return false
	}
	m.canceled = true
	return true
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Size()
}
