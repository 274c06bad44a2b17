package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerPool(t *testing.T) {
	assert := assert.New(t)

	t.Run("Get and Put", func(t *testing.T) {
		timer1 := GetTimer(10 * time.Millisecond)
		assert.NotNil(timer1)
		PutTimer(timer1)

		timer2 := GetTimer(20 * time.Millisecond)
		assert.NotNil(timer2)

		<-timer2.C
		PutTimer(timer2)
	})

	t.Run("Reused timer does not fire early", func(t *testing.T) {
		timer1 := GetTimer(time.Millisecond)
		time.Sleep(5 * time.Millisecond) // let timer1 expire without draining
		PutTimer(timer1)

		timer2 := GetTimer(200 * time.Millisecond)
		defer PutTimer(timer2)

		select {
		case <-timer2.C:
			assert.Fail("stale expiry leaked into reused timer")
		case <-time.After(20 * time.Millisecond):
		}
	})
}

func TestBufferPool(t *testing.T) {
	assert := assert.New(t)

	buf := GetBuffer()
	assert.Zero(buf.Len())
	buf.WriteString("\xff\xaa")
	PutBuffer(buf)

	again := GetBuffer()
	assert.Zero(again.Len())
	PutBuffer(again)

	PutBuffer(nil)
}
