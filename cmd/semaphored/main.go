// Command semaphored serves lease-based semaphores over HTTP and talks to a
// running server from the command line.
package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(submain(context.Background()))
}
