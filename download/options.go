package download

// Option defines optional settings for a download.
type Option func(*options) error

type options struct {
	progress bool
}

// WithProgress enables periodic progress logging via the logger supplied
// to [Handle].
func WithProgress() Option {
	return func(opts *options) error {
		opts.progress = true
		return nil
	}
}
