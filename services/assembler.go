package services

import (
	"fmt"
)

// AssembledPart is one slice of the captured byte stream, exactly the
// configured part size for every part except the final flushed remainder.
type AssembledPart struct {
	Data []byte
	// ContributingSequenceIDs lists every chunk with at least one byte in
	// this part, ascending.
	ContributingSequenceIDs []int64
	// CompletedSequenceIDs lists the chunks whose final byte lies in this
	// part. A chunk split across parts appears as contributing in each of
	// them but completed only in the last.
	CompletedSequenceIDs []int64
}

type bufferedChunk struct {
	sequenceID int64
	data       []byte
}

// PartAssembler turns an ordered stream of irregularly sized chunks into
// exact-size parts, splitting chunk blobs at byte granularity where the part
// boundary falls mid-chunk. It is purely a buffering component with no
// network awareness, and it is deterministic: replaying the same chunk
// stream reproduces identical part boundaries, which recovery depends on.
type PartAssembler struct {
	buffer  []bufferedChunk
	size    int64
	lastSeq int64
}

func NewPartAssembler() *PartAssembler {
	return &PartAssembler{}
}

// Push appends one captured chunk. Sequence IDs must be strictly increasing.
// Empty blobs are dropped.
func (a *PartAssembler) Push(sequenceID int64, blob []byte) error {
	if sequenceID <= a.lastSeq {
		return fmt.Errorf("sequence id %d not increasing (last %d)", sequenceID, a.lastSeq)
	}
	a.lastSeq = sequenceID

	if len(blob) == 0 {
		return nil
	}

	a.buffer = append(a.buffer, bufferedChunk{sequenceID: sequenceID, data: blob})
	a.size += int64(len(blob))
	return nil
}

func (a *PartAssembler) BufferedBytes() int64 {
	return a.size
}

func (a *PartAssembler) CanEmit(exactSize int64) bool {
	return a.size >= exactSize
}

// TryEmitPart slices off exactly exactSize bytes from the buffer front. When
// the boundary falls inside a chunk, the leading slice joins this part and
// the remainder stays buffered under the same sequence ID so its bytes are
// counted toward a later part. Returns false while fewer than exactSize
// bytes are buffered.
func (a *PartAssembler) TryEmitPart(exactSize int64) (*AssembledPart, bool) {
	if a.size < exactSize {
		return nil, false
	}

	part := &AssembledPart{Data: make([]byte, 0, exactSize)}
	need := exactSize

	for need > 0 {
		head := a.buffer[0]

		if int64(len(head.data)) <= need {
			part.Data = append(part.Data, head.data...)
			part.ContributingSequenceIDs = append(part.ContributingSequenceIDs, head.sequenceID)
			part.CompletedSequenceIDs = append(part.CompletedSequenceIDs, head.sequenceID)
			need -= int64(len(head.data))
			a.buffer = a.buffer[1:]
			continue
		}

		// boundary falls mid-chunk: leading slice joins the part, the
		// remainder keeps the sequence id
		part.Data = append(part.Data, head.data[:need]...)
		part.ContributingSequenceIDs = append(part.ContributingSequenceIDs, head.sequenceID)
		a.buffer[0] = bufferedChunk{sequenceID: head.sequenceID, data: head.data[need:]}
		need = 0
	}

	a.size -= exactSize
	return part, true
}

// FlushRemainder drains whatever is buffered as the final, possibly
// undersized, part. Returns nil when the buffer is empty.
func (a *PartAssembler) FlushRemainder() *AssembledPart {
	if len(a.buffer) == 0 {
		return nil
	}

	part := &AssembledPart{Data: make([]byte, 0, a.size)}
	for _, c := range a.buffer {
		part.Data = append(part.Data, c.data...)
		part.ContributingSequenceIDs = append(part.ContributingSequenceIDs, c.sequenceID)
		part.CompletedSequenceIDs = append(part.CompletedSequenceIDs, c.sequenceID)
	}

	a.buffer = nil
	a.size = 0
	return part
}
