package tools

import "github.com/joestump/homegate/internal/access"

// Options selects which optional tools Builtin registers.
type Options struct {
	Policy     *access.Policy
	Searcher   *Searcher // nil disables web_search
	Fetcher    *Fetcher
	Images     Forwarder // nil disables generate_image
	ImageModel string
}

// Builtin returns a registry with every built-in tool the options allow.
func Builtin(opts Options) *Registry {
	r := NewRegistry()
	if opts.Searcher != nil {
		r.Register(NewWebSearch(opts.Searcher))
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewFetcher()
	}
	r.Register(NewWebFetch(fetcher))
	if opts.Images != nil {
		r.Register(NewGenerateImage(opts.Images, opts.ImageModel))
	}

	files := NewFiles(opts.Policy)
	r.Register(&ReadFileTool{files: files})
	r.Register(&ListDirTool{files: files})
	r.Register(&WriteFileTool{files: files})
	r.Register(&MakeDirTool{files: files})
	r.Register(&RunCommandTool{runner: NewRunner(opts.Policy)})
	return r
}
