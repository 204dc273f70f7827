//go:build !plan9

package grace

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var signalChan chan os.Signal
var interruptHooks = make([]func(), 0)
var interruptHookLock sync.RWMutex

func init() {
	signalChan = make(chan os.Signal, 1)
	signal.Notify(signalChan,
		os.Interrupt,
		os.Kill,
		syscall.SIGALRM,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		for range signalChan {
			interruptHookLock.RLock()
			for _, hook := range interruptHooks {
				hook()
			}
			interruptHookLock.RUnlock()
			os.Exit(0)
		}
	}()
}

// OnInterrupt runs fn, in registration order, before the process exits on
// a terminating signal.
func OnInterrupt(fn func()) {
	interruptHookLock.Lock()
	defer interruptHookLock.Unlock()
	interruptHooks = append(interruptHooks, fn)
}
