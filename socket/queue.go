package socket

type queued struct {
	action Action
	data   []byte
}

// Queue is a FIFO of encoded frames waiting for an open transport.
// It is not safe for concurrent use; the Client guards it with its own lock.
type Queue struct {
	frames []queued
}

func (q *Queue) Enqueue(action Action, frame []byte) {
	q.frames = append(q.frames, queued{action: action, data: frame})
}

func (q *Queue) Len() int {
	return len(q.frames)
}

func (q *Queue) Clear() {
	q.frames = nil
}

// DrainInto writes queued frames in insertion order. On the first write error
// it stops; the failed frame and every frame after it stay queued.
func (q *Queue) DrainInto(write func(Action, []byte) error) (int, error) {
	sent := 0
	for len(q.frames) > 0 {
		f := q.frames[0]
		if err := write(f.action, f.data); err != nil {
			return sent, err
		}
		q.frames[0] = queued{}
		q.frames = q.frames[1:]
		sent++
	}
	q.frames = nil
	return sent, nil
}
