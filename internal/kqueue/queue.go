// Package kqueue implements the intrusive, priority-ordered doubly-linked
// queue used by every blocked/ready list in the scheduler and the
// synchronization primitives built on top of it. Nodes carry prev/next
// pointers directly (rather than living in a slice or a map keyed by
// handle) so that a specific thread can be dequeued in O(1) when it is
// killed while blocked or sleeping; an array+index or separate map would
// cost an O(n) scan on kill.
package kqueue

// Node is one element of a queue. The zero value is not usable; obtain a
// Node via PriorityQueue.Push or List.PushBack.
type Node struct {
	prev, next *Node
	list       *List // the List this node currently lives in, or nil
	bucket     *bucket
	Payload    any
	Key        int64 // ordering key; meaning is caller-defined
}

// List is a plain FIFO doubly-linked list (no priority buckets). It backs
// the sleep queue, mutex/semaphore/futex waiter queues, and anywhere else
// spec.md calls for a single ordered queue rather than one bucketed by
// priority.
type List struct {
	head, tail *Node
	len        int
}

// PushBack appends a new node carrying payload and returns it.
func (l *List) PushBack(payload any) *Node {
	n := &Node{Payload: payload, list: l}
	if l.tail == nil {
		l.head, l.tail = n, n
	} else {
		n.prev = l.tail
		l.tail.next = n
		l.tail = n
	}
	l.len++
	return n
}

// PushBackOrdered appends a node but keeps the list sorted ascending by
// key, inserting before the first existing node whose key is greater. Used
// for the sleep queue, ordered by wakeup deadline.
func (l *List) PushBackOrdered(payload any, key int64) *Node {
	n := &Node{Payload: payload, Key: key, list: l}
	cur := l.head
	for cur != nil && cur.Key <= key {
		cur = cur.next
	}
	if cur == nil {
		// append at tail
		if l.tail == nil {
			l.head, l.tail = n, n
		} else {
			n.prev = l.tail
			l.tail.next = n
			l.tail = n
		}
	} else {
		n.next = cur
		n.prev = cur.prev
		if cur.prev != nil {
			cur.prev.next = n
		} else {
			l.head = n
		}
		cur.prev = n
	}
	l.len++
	return n
}

// PopFront removes and returns the head node, or nil if empty.
func (l *List) PopFront() *Node {
	n := l.head
	if n == nil {
		return nil
	}
	l.remove(n)
	return n
}

// Front returns the head node without removing it, or nil if empty.
func (l *List) Front() *Node { return l.head }

// Len returns the number of nodes currently in the list.
func (l *List) Len() int { return l.len }

// Remove detaches n from whichever list it currently belongs to. It is a
// no-op if n has already been removed. This is the O(1) kill-while-blocked
// operation the package exists for.
func (l *List) Remove(n *Node) {
	if n.list != l {
		return
	}
	l.remove(n)
}

func (l *List) remove(n *Node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next, n.list = nil, nil, nil
	l.len--
}

// bucket is one priority level's FIFO list.
type bucket struct {
	list List
}

// NumPriorities is the number of priority levels, 0 (highest) .. 63 (lowest),
// per spec.md §3's TCB priority invariant.
const NumPriorities = 64

// PriorityQueue buckets nodes by priority in [0, NumPriorities), highest
// priority (lowest number) first, FIFO within a bucket. Pop scans the
// buckets from priority 0 down, so it visits at most NumPriorities
// buckets; Remove-by-handle is O(1).
type PriorityQueue struct {
	buckets [NumPriorities]bucket
	size    int
}

// Push inserts payload into the bucket for priority and returns the node
// handle, which the caller must retain if it may need to Remove it later
// (e.g. a thread being killed while merely ready is not a spec'd case, but
// a blocked/sleeping thread being killed is).
func (q *PriorityQueue) Push(priority int, payload any) *Node {
	b := &q.buckets[priority]
	n := b.list.PushBack(payload)
	n.bucket = b
	n.Key = int64(priority)
	q.size++
	return n
}

// Pop removes and returns the payload of the highest-priority, longest
// waiting node, or nil, false if the queue is empty.
func (q *PriorityQueue) Pop() (any, bool) {
	for i := range q.buckets {
		if n := q.buckets[i].list.PopFront(); n != nil {
			q.size--
			return n.Payload, true
		}
	}
	return nil, false
}

// PeekPriority returns the priority of the highest-priority non-empty
// bucket and true, or false if the queue is empty.
func (q *PriorityQueue) PeekPriority() (int, bool) {
	for i := range q.buckets {
		if q.buckets[i].list.Len() > 0 {
			return i, true
		}
	}
	return 0, false
}

// Remove detaches a node previously returned by Push, wherever it
// currently sits. Safe to call once even if the node was already popped
// (no-op).
func (q *PriorityQueue) Remove(n *Node) {
	if n.bucket == nil {
		return
	}
	before := n.bucket.list.Len()
	n.bucket.list.Remove(n)
	if n.bucket.list.Len() < before {
		q.size--
	}
}

// Len returns the total number of queued nodes across all buckets.
func (q *PriorityQueue) Len() int { return q.size }

// LenAt returns the number of queued nodes at exactly the given priority.
func (q *PriorityQueue) LenAt(priority int) int { return q.buckets[priority].list.Len() }
