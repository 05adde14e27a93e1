// Package modules holds service presets. Each preset is an Init function
// that seeds a fixture.Builder with an image, environment, ports and a wait
// strategy; settings applied after Init override the preset's.
//
//	c, err := provider.Run(ctx, modules.Postgres(fixture.NewBuilder("")).
//		WithEnv("POSTGRES_DB", "orders"))
package modules

import "github.com/bnema/testbay/pkg/fixture"

// Init seeds a builder with a preset.
type Init func(b *fixture.Builder) *fixture.Builder

// Apply runs inits in order over b.
func Apply(b *fixture.Builder, inits ...Init) *fixture.Builder {
	for _, init := range inits {
		b = init(b)
	}
	return b
}
