package out

import "io"

// OutputConsumer receives a container's stdout and stderr while it runs.
type OutputConsumer interface {
	Stdout() io.Writer
	Stderr() io.Writer
}
