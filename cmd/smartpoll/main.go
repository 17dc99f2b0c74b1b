// Command smartpoll waits on and consumes cloud message queues using the
// adaptive blocking poller.
package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(submain(context.Background()))
}
