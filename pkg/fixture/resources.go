package fixture

// NetworkBuilder accumulates a network configuration immutably.
type NetworkBuilder struct {
	cfg NetworkConfiguration
}

func NewNetworkBuilder() *NetworkBuilder { return &NetworkBuilder{} }

func (b *NetworkBuilder) with(cfg NetworkConfiguration) *NetworkBuilder {
	return &NetworkBuilder{cfg: b.cfg.Merge(cfg)}
}

// WithName fixes the network name. Unnamed networks get a generated one.
func (b *NetworkBuilder) WithName(name string) *NetworkBuilder {
	return b.with(NetworkConfiguration{Name: &name})
}

func (b *NetworkBuilder) WithDriver(driver string) *NetworkBuilder {
	return b.with(NetworkConfiguration{Driver: &driver})
}

func (b *NetworkBuilder) WithInternal(internal bool) *NetworkBuilder {
	return b.with(NetworkConfiguration{Internal: &internal})
}

func (b *NetworkBuilder) WithAttachable(attachable bool) *NetworkBuilder {
	return b.with(NetworkConfiguration{Attachable: &attachable})
}

func (b *NetworkBuilder) WithLabel(key, value string) *NetworkBuilder {
	return b.with(NetworkConfiguration{Labels: map[string]string{key: value}})
}

func (b *NetworkBuilder) WithOption(key, value string) *NetworkBuilder {
	return b.with(NetworkConfiguration{Options: map[string]string{key: value}})
}

func (b *NetworkBuilder) Configuration() NetworkConfiguration { return b.cfg }

// Build validates the accumulated configuration.
func (b *NetworkBuilder) Build() (NetworkConfiguration, error) {
	if err := b.cfg.Validate(); err != nil {
		return NetworkConfiguration{}, err
	}
	return b.cfg, nil
}

// VolumeBuilder accumulates a volume configuration immutably.
type VolumeBuilder struct {
	cfg VolumeConfiguration
}

func NewVolumeBuilder() *VolumeBuilder { return &VolumeBuilder{} }

func (b *VolumeBuilder) with(cfg VolumeConfiguration) *VolumeBuilder {
	return &VolumeBuilder{cfg: b.cfg.Merge(cfg)}
}

func (b *VolumeBuilder) WithName(name string) *VolumeBuilder {
	return b.with(VolumeConfiguration{Name: &name})
}

func (b *VolumeBuilder) WithDriver(driver string) *VolumeBuilder {
	return b.with(VolumeConfiguration{Driver: &driver})
}

func (b *VolumeBuilder) WithLabel(key, value string) *VolumeBuilder {
	return b.with(VolumeConfiguration{Labels: map[string]string{key: value}})
}

func (b *VolumeBuilder) Configuration() VolumeConfiguration { return b.cfg }

// Build validates the accumulated configuration.
func (b *VolumeBuilder) Build() (VolumeConfiguration, error) {
	if err := b.cfg.Validate(); err != nil {
		return VolumeConfiguration{}, err
	}
	return b.cfg, nil
}

// ImageBuilder accumulates an image build configuration immutably.
type ImageBuilder struct {
	cfg ImageConfiguration
}

func NewImageBuilder() *ImageBuilder { return &ImageBuilder{} }

func (b *ImageBuilder) with(cfg ImageConfiguration) *ImageBuilder {
	return &ImageBuilder{cfg: b.cfg.Merge(cfg)}
}

func (b *ImageBuilder) WithContextDir(dir string) *ImageBuilder {
	return b.with(ImageConfiguration{ContextDir: &dir})
}

// WithDockerfile names the Dockerfile relative to the context directory.
func (b *ImageBuilder) WithDockerfile(path string) *ImageBuilder {
	return b.with(ImageConfiguration{Dockerfile: &path})
}

// WithTag fixes the image reference. Untagged builds get a generated tag.
func (b *ImageBuilder) WithTag(tag string) *ImageBuilder {
	return b.with(ImageConfiguration{Tag: &tag})
}

func (b *ImageBuilder) WithBuildArg(key, value string) *ImageBuilder {
	return b.with(ImageConfiguration{BuildArgs: map[string]string{key: value}})
}

func (b *ImageBuilder) WithLabel(key, value string) *ImageBuilder {
	return b.with(ImageConfiguration{Labels: map[string]string{key: value}})
}

func (b *ImageBuilder) WithNoCache(noCache bool) *ImageBuilder {
	return b.with(ImageConfiguration{NoCache: &noCache})
}

// WithPull refreshes base images during the build.
func (b *ImageBuilder) WithPull(pull bool) *ImageBuilder {
	return b.with(ImageConfiguration{Pull: &pull})
}

func (b *ImageBuilder) Configuration() ImageConfiguration { return b.cfg }

// Build validates the accumulated configuration.
func (b *ImageBuilder) Build() (ImageConfiguration, error) {
	if err := b.cfg.Validate(); err != nil {
		return ImageConfiguration{}, err
	}
	return b.cfg, nil
}
