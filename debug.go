package libchronicle

import (
	"fmt"
	"io"

	"github.com/TeaEngineering/libchronicle/internal/queuefile"
)

// Debug writes a human-readable dump of the queue's shared state, in the
// same field order as the original's chronicle_debug: directory, version,
// roll scheme, blocksize, then the three live counters.
func (q *Queue) Debug(w io.Writer) {
	fmt.Fprintf(w, "dir=%s version=%d scheme=%s format=%s rollLengthSecs=%d blocksize=%d\n",
		q.dir, q.version, q.scheme.Name, q.scheme.FormatPattern, q.scheme.RollLengthSecs, q.blocksize)
	fmt.Fprintf(w, "highestCycle=%d lowestCycle=%d modCount=%d\n",
		q.highestCycle(), q.lowestCycle(), q.loadModCount())
}

func (q *Queue) loadModCount() uint64 {
	if q.dirList.modCount == nil {
		return 0
	}
	return queuefile.LoadUint64(q.dirList.modCount, 0)
}

// Debug writes a human-readable dump of this tailer's position and state,
// in the same field order as the original's chronicle_debug_tailer.
func (t *Tailer) Debug(w io.Writer) {
	fmt.Fprintf(w, "index=%#x cycle=%d state=%s writable=%t tip=%d haveCycle=%t\n",
		t.nextIndex, t.nextIndex>>t.queue.cycleShift, t.state, t.writable, t.tip, t.haveCycle)
}
