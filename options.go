package lily

import (
	"io"
	"os"
)

// HTMLSender receives raw bytes accumulated by the lexer while it is in
// HTML-page mode, between two code tags.
type HTMLSender func(chunk []byte) error

// Options carries the small set of settings the embedding API recognizes
// (section 6 of the design: gc_start, gc_multiplier, argv, html_sender,
// data, allow_sys). Unlike the teacher's grammar Config, the key set here
// is closed and known ahead of time, so it is a typed struct rather than
// a string-keyed map. Fields are set directly (there are no setters);
// NewDefaultOptions supplies the defaults.
type Options struct {
	// GCStart is the tagged-object count that triggers the first
	// collection.
	GCStart int

	// GCMultiplier grows the threshold after each collection:
	// nextThreshold = threshold * GCMultiplier.
	GCMultiplier int

	// Argv is stored for the embedder; the core registers no `sys`
	// package and does not read it.
	Argv []string

	// HTMLSender receives bytes while the lexer is in tag mode. If nil,
	// HTML mode output is discarded.
	HTMLSender HTMLSender

	// Stdout is where `print`/`show` write by default.
	Stdout io.Writer

	// Data is an opaque pointer plumbed through to foreign functions via
	// the embedding API; the core never inspects it.
	Data any

	// AllowSys is stored for the embedder; the core registers no `sys`
	// package and does not read it.
	AllowSys bool

	// RecursionLimit bounds native call depth before the VM raises
	// ErrRecursion.
	RecursionLimit int
}

const (
	defaultGCStart        = 100
	defaultGCMultiplier   = 4
	defaultRecursionLimit = 10000
)

// NewDefaultOptions returns the options every standalone runner starts
// from, mirroring lily_new_default_options from the embedding ABI.
func NewDefaultOptions() *Options {
	return &Options{
		GCStart:         defaultGCStart,
		GCMultiplier:    defaultGCMultiplier,
		RecursionLimit:  defaultRecursionLimit,
		AllowSys:        true,
		Stdout:          os.Stdout,
	}
}
