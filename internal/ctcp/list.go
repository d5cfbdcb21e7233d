package ctcp

import (
	"container/list"

	"github.com/joohan-lee/ctcp-with-bbr/internal/bbr"
)

// outstandingSegment is one in-flight or queued segment plus the
// bookkeeping the retransmit tick and BBR need, mirroring
// ctcp_transmission_info in ctcp.h.
type outstandingSegment struct {
	segment        Segment
	transmissions  int
	elapsedMillis  int64
	sendTimeMicros int64
	ackTimeMicros  int64
	rateSample     bbr.RateSample
}

// segmentList is an ordered container of outstanding segments, the Go
// counterpart of _examples/original_source/ctcp_linked_list.c's
// intrusive doubly-linked list. It is built on container/list: no
// third-party ordered-list package appears anywhere in the retrieval
// pack, and container/list is the stdlib's direct analog of the C
// file's hand-rolled list.
type segmentList struct {
	l *list.List
}

func newSegmentList() *segmentList {
	return &segmentList{l: list.New()}
}

func (s *segmentList) Len() int { return s.l.Len() }

func (s *segmentList) PushBack(seg *outstandingSegment) *list.Element {
	return s.l.PushBack(seg)
}

func (s *segmentList) PushFront(seg *outstandingSegment) *list.Element {
	return s.l.PushFront(seg)
}

func (s *segmentList) Front() *outstandingSegment {
	if e := s.l.Front(); e != nil {
		return e.Value.(*outstandingSegment)
	}
	return nil
}

func (s *segmentList) Remove(e *list.Element) {
	s.l.Remove(e)
}

// InsertInOrder inserts seg keeping the list sorted by ascending seqno,
// mirroring ll_add_in_order's three cases (before head, after tail,
// scan-and-splice). A duplicate seqno is rejected, matching the
// original's "duplicate seqno" error path.
func (s *segmentList) InsertInOrder(seg *outstandingSegment) (*list.Element, bool) {
	if s.l.Len() == 0 {
		return s.l.PushBack(seg), true
	}
	front := s.l.Front().Value.(*outstandingSegment)
	if seg.segment.Seqno < front.segment.Seqno {
		return s.l.PushFront(seg), true
	}
	back := s.l.Back().Value.(*outstandingSegment)
	if seg.segment.Seqno > back.segment.Seqno {
		return s.l.PushBack(seg), true
	}
	for e := s.l.Front(); e != nil; e = e.Next() {
		cur := e.Value.(*outstandingSegment)
		if cur.segment.Seqno == seg.segment.Seqno {
			return nil, false
		}
		if cur.segment.Seqno > seg.segment.Seqno {
			return s.l.InsertBefore(seg, e), true
		}
	}
	return s.l.PushBack(seg), true
}

// Find returns the element holding the outstanding segment with the
// given seqno, or nil.
func (s *segmentList) Find(seqno uint32) *list.Element {
	for e := s.l.Front(); e != nil; e = e.Next() {
		if e.Value.(*outstandingSegment).segment.Seqno == seqno {
			return e
		}
	}
	return nil
}

// DrainAcked removes every segment whose seqno is covered by ackno
// (seqno < ackno, matching ll_remove_acked_segments' ntohl-compared
// condition) and returns the drained segments plus the total payload
// bytes freed from the in-flight window.
func (s *segmentList) DrainAcked(ackno uint32) (drained []*outstandingSegment, freedBytes int) {
	var next *list.Element
	for e := s.l.Front(); e != nil; e = next {
		next = e.Next()
		cur := e.Value.(*outstandingSegment)
		if cur.segment.Seqno >= ackno {
			break
		}
		drained = append(drained, cur)
		freedBytes += len(cur.segment.Data)
		s.l.Remove(e)
	}
	return drained, freedBytes
}

// Each calls fn for every outstanding segment, front to back. fn
// mutates the segment in place; it does not remove elements.
func (s *segmentList) Each(fn func(seg *outstandingSegment)) {
	for e := s.l.Front(); e != nil; e = e.Next() {
		fn(e.Value.(*outstandingSegment))
	}
}
