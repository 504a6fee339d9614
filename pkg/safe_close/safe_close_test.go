package safe_close

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafeClose(t *testing.T) {
	sc := NewSafeClose()
	closed := new(atomic.Int32)
	for i := 0; i < 4; i++ {
		sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			<-closeSignal
			time.Sleep(time.Millisecond)
			closed.Add(1)
		})
	}

	errFatal := errors.New("fatal")
	sc.SendCloseSignal(errFatal)
	sc.SendCloseSignal(errors.New("second"))
	sc.CloseWait()
	sc.CloseWait()

	assert.EqualValues(t, 4, closed.Load())
	assert.Same(t, errFatal, sc.Err())

	// no-op after close
	sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		closed.Add(1)
	})
	sc.CloseWait()
	assert.EqualValues(t, 4, closed.Load())
}
