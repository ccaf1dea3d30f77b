package alloc

// GrowCallback is called each time the allocator extends its managed range. offset and size
// describe the newly added bytes.
type GrowCallback func(
	allocator *Allocator,
	offset int,
	size int,
	userData any,
)

type GrowthCallbackOptions struct {
	Grow     GrowCallback
	UserData any
}

type growthCallbacks struct {
	Callbacks *GrowthCallbackOptions
	Allocator *Allocator
}

func (c *growthCallbacks) Grow(offset int, size int) {
	if c.Callbacks != nil && c.Callbacks.Grow != nil {
		c.Callbacks.Grow(c.Allocator, offset, size, c.Callbacks.UserData)
	}
}
