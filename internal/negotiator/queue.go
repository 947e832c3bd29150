package negotiator

import "github.com/pion/webrtc/v4"

// pendingQueue holds candidates that cannot be delivered or applied yet.
// Items leave in the order they entered.
type pendingQueue struct {
	items []webrtc.ICECandidateInit
}

func (q *pendingQueue) push(c webrtc.ICECandidateInit) {
	q.items = append(q.items, c)
}

// drain empties the queue and returns its contents.
func (q *pendingQueue) drain() []webrtc.ICECandidateInit {
	items := q.items
	q.items = nil
	return items
}

func (q *pendingQueue) len() int { return len(q.items) }
