package modules

import (
	"github.com/bnema/testbay/pkg/fixture"
	"github.com/bnema/testbay/pkg/wait"
)

const (
	NginxImage = "nginx:1.27-alpine"
	NginxPort  = "80/tcp"
)

// Nginx serves the default site on port 80.
func Nginx(b *fixture.Builder) *fixture.Builder {
	return b.WithImage(NginxImage).
		WithExposedPorts(NginxPort).
		WithWaitStrategy(wait.ForHTTP("/").WithPort(NginxPort))
}

// NginxConfig replaces the default server block with conf.
func NginxConfig(conf []byte) Init {
	return func(b *fixture.Builder) *fixture.Builder {
		return b.WithFile("/etc/nginx/conf.d/default.conf", conf, 0o644)
	}
}
