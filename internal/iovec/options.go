package iovec

type options struct {
	length int
}

// Option is the type for iovec options.
type Option func(*options)

func (o *options) setDefault() {
	o.length = DefaultLength
}

// WithLength sets IOVec length to be returned.
func WithLength(length int) Option {
	return func(o *options) {
		o.length = length
	}
}
